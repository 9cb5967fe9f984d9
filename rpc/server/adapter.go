package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dLog/lib/kv"
	"github.com/ValentinKolb/dLog/rpc/common"
)

// NewStoreAdapter creates the adapter that maps submit messages onto the
// replicated store.
func NewStoreAdapter() IAdapter {
	return &storeAdapterImpl{}
}

type storeAdapterImpl struct{}

func (adapter *storeAdapterImpl) Handle(ctx context.Context, req *common.Message, store kv.IStore) *common.Message {
	// Check for nil store
	if store == nil {
		return common.NewErrorResponse("handler: store is nil")
	}

	// Handle different message types
	switch req.MsgType {
	case common.MsgTKVSet:
		err := store.Set(ctx, req.Key, req.Value)
		return common.NewSetResponse(err)
	case common.MsgTKVSetE:
		err := store.SetE(ctx, req.Key, req.Value, req.ExpireIn, req.DeleteIn)
		return common.NewSetEResponse(err)
	case common.MsgTKVSetIfUnset:
		err := store.SetIfUnset(ctx, req.Key, req.Value, req.ExpireIn, req.DeleteIn)
		return common.NewSetIfUnsetResponse(err)
	case common.MsgTKVExpire:
		err := store.Expire(ctx, req.Key)
		return common.NewExpireResponse(err)
	case common.MsgTKVDelete:
		err := store.Delete(ctx, req.Key)
		return common.NewDeleteResponse(err)
	case common.MsgTKVGet:
		val, ok, err := store.Get(ctx, req.Key)
		return common.NewGetResponse(val, ok, err)
	case common.MsgTKVHas:
		ok, err := store.Has(ctx, req.Key)
		return common.NewHasResponse(ok, err)
	default:
		return common.NewErrorResponse(
			fmt.Sprintf("unsupported message type: %s", req.MsgType),
		)
	}
}
