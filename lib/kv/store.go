package kv

import (
	"context"
	"sync/atomic"

	"github.com/ValentinKolb/dLog/lib/vsr"
)

// --------------------------------------------------------------------------
// Store Client
// --------------------------------------------------------------------------

// ISubmitter is the slice of the replica node the store needs. It is
// satisfied by *vsr.Node.
type ISubmitter interface {
	Submit(ctx context.Context, client vsr.ClientID, request vsr.RequestNumber, command []byte) (vsr.ClientReply, error)
}

// IStore is the client-facing key-value interface. Every call is a
// replicated command, including reads.
type IStore interface {
	// Set stores a value for the given key
	Set(ctx context.Context, key string, value []byte) error
	// SetE stores a value with expiry and deletion offsets in write
	// indexes, 0 disables the respective timer
	SetE(ctx context.Context, key string, value []byte, expireIn, deleteIn uint64) error
	// SetIfUnset stores the value only if the key holds no live entry
	SetIfUnset(ctx context.Context, key string, value []byte, expireIn, deleteIn uint64) error
	// Expire drops the value but keeps the key visible to Has
	Expire(ctx context.Context, key string) error
	// Delete removes the key
	Delete(ctx context.Context, key string) error
	// Get returns the value and whether the key holds a live value
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Has reports whether the key exists, expired keys included
	Has(ctx context.Context, key string) (bool, error)
}

// Store issues key-value commands against a replica node. One Store
// represents one client session: request numbers increase monotonically
// and the node deduplicates retries by (client, request). A restarted
// process must create a new Store with a fresh client ID.
type Store struct {
	node    ISubmitter
	client  vsr.ClientID
	request atomic.Uint64
}

var _ IStore = (*Store)(nil)

// NewStore creates a client session with the given ID.
func NewStore(node ISubmitter, client vsr.ClientID) *Store {
	return &Store{node: node, client: client}
}

// Client returns the session's client ID.
func (s *Store) Client() vsr.ClientID {
	return s.client
}

// do submits one command and decodes the reply. vsr errors (NotLeader
// and friends) come back as-is so callers can redirect.
func (s *Store) do(ctx context.Context, cmd *Command) (Result, error) {
	request := vsr.RequestNumber(s.request.Add(1))

	reply, err := s.node.Submit(ctx, s.client, request, cmd.Serialize())
	if err != nil {
		return Result{}, err
	}
	if reply.Err != nil {
		return Result{}, reply.Err
	}

	res, err := DecodeResult(reply.Result)
	if err != nil {
		return Result{}, NewError(RetCInternalError, err.Error())
	}
	return res, res.Err()
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.do(ctx, &Command{Type: CommandTSet, Key: key, Value: value})
	return err
}

func (s *Store) SetE(ctx context.Context, key string, value []byte, expireIn, deleteIn uint64) error {
	_, err := s.do(ctx, &Command{Type: CommandTSetE, Key: key, Value: value, ExpireIn: expireIn, DeleteIn: deleteIn})
	return err
}

func (s *Store) SetIfUnset(ctx context.Context, key string, value []byte, expireIn, deleteIn uint64) error {
	_, err := s.do(ctx, &Command{Type: CommandTSetIfUnset, Key: key, Value: value, ExpireIn: expireIn, DeleteIn: deleteIn})
	return err
}

func (s *Store) Expire(ctx context.Context, key string) error {
	_, err := s.do(ctx, &Command{Type: CommandTExpire, Key: key})
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.do(ctx, &Command{Type: CommandTDelete, Key: key})
	return err
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := s.do(ctx, &Command{Type: CommandTGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Found, nil
}

func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	res, err := s.do(ctx, &Command{Type: CommandTHas, Key: key})
	if err != nil {
		return false, err
	}
	return res.Found, nil
}
