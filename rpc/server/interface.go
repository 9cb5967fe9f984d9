package server

import (
	"context"

	"github.com/ValentinKolb/dLog/lib/kv"
	"github.com/ValentinKolb/dLog/rpc/common"
)

// IAdapter is the interface for all submit endpoint adapters
// It is responsible for handling requests and responses
type IAdapter interface {
	// Handle handles a request and returns a response
	// It takes a context, a Message and a store as parameters.
	// It returns a Message as a response
	// If an error occurs, it is set in the response
	Handle(ctx context.Context, req *common.Message, store kv.IStore) (resp *common.Message)
}
