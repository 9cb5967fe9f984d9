package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLog/lib/kv"
	"github.com/ValentinKolb/dLog/rpc/common"
)

const defaultTimeoutSecond = 5

// Client talks to the admin API of a replica cluster. It implements
// kv.IStore, so code written against the store interface works with a
// local replica and a remote cluster alike.
type Client struct {
	config common.ClientConfig
	http   *http.Client

	// preferred is the index of the endpoint that served the last
	// successful request, requests start there
	preferred atomic.Int32
}

var _ kv.IStore = (*Client)(nil)

// New creates a client for the given endpoints.
func New(config common.ClientConfig) (*Client, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("client needs at least one endpoint")
	}

	timeout := time.Duration(config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSecond * time.Second
	}

	return &Client{
		config: config,
		http:   &http.Client{Timeout: timeout},
	}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the kv package in store.go)
// --------------------------------------------------------------------------

func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.invoke(ctx, common.NewSetRequest(key, value))
	return err
}

func (c *Client) SetE(ctx context.Context, key string, value []byte, expireIn, deleteIn uint64) error {
	_, err := c.invoke(ctx, common.NewSetERequest(key, value, expireIn, deleteIn))
	return err
}

func (c *Client) SetIfUnset(ctx context.Context, key string, value []byte, expireIn, deleteIn uint64) error {
	_, err := c.invoke(ctx, common.NewSetIfUnsetRequest(key, value, expireIn, deleteIn))
	return err
}

func (c *Client) Expire(ctx context.Context, key string) error {
	_, err := c.invoke(ctx, common.NewExpireRequest(key))
	return err
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.invoke(ctx, common.NewDeleteRequest(key))
	return err
}

func (c *Client) Get(ctx context.Context, key string) (value []byte, loaded bool, err error) {
	resp, err := c.invoke(ctx, common.NewGetRequest(key))
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

func (c *Client) Has(ctx context.Context, key string) (loaded bool, err error) {
	resp, err := c.invoke(ctx, common.NewHasRequest(key))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// Status fetches the status snapshot of the preferred endpoint's replica.
// Every replica answers for itself here, there is no leader hopping.
func (c *Client) Status(ctx context.Context) (*common.StatusResponse, error) {
	endpoint := c.config.Endpoints[int(c.preferred.Load())]

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/status", nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", endpoint, httpResp.StatusCode)
	}

	status := &common.StatusResponse{}
	if err := json.NewDecoder(httpResp.Body).Decode(status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return status, nil
}
