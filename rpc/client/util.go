package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ValentinKolb/dLog/lib/logger"
	"github.com/ValentinKolb/dLog/lib/vsr"
	"github.com/ValentinKolb/dLog/rpc/common"
)

var log = logger.GetLogger("rpc")

const contentTypeJSON = "application/json"

// ErrNotLeader reports that every asked replica denied the request
// because it is not the leader. The client hops endpoints on leader
// denials by itself, so seeing this error means the hops ran out.
var ErrNotLeader = errors.New("replica is not the leader")

// invoke sends one message to the cluster. It starts at the endpoint that
// answered last time and hops to the next one when a replica is
// unreachable or not the leader, up to RetryCount extra attempts.
// Operation failures reported by a reachable leader are returned as is,
// no other replica would answer differently.
func (c *Client) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	start := int(c.preferred.Load())
	var lastErr error

	for attempt := 0; attempt <= c.config.RetryCount; attempt++ {
		idx := (start + attempt) % len(c.config.Endpoints)
		endpoint := c.config.Endpoints[idx]

		resp, err := c.post(ctx, endpoint, req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", endpoint, err)
			log.Debugf("Endpoint %s unreachable: %v", endpoint, err)
			continue
		}

		if resp.Code == vsr.RetCNotLeader.String() {
			lastErr = fmt.Errorf("%w: %s", ErrNotLeader, resp.Err)
			log.Debugf("Endpoint %s is not the leader, trying next", endpoint)
			continue
		}
		if resp.MsgType == common.MsgTError || resp.Err != "" {
			return nil, fmt.Errorf("operation failed: %s", resp.Err)
		}
		if resp.MsgType != req.MsgType {
			return nil, fmt.Errorf("unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
		}

		c.preferred.Store(int32(idx))
		return resp, nil
	}

	return nil, lastErr
}

// post runs one HTTP round trip against a single endpoint. The returned
// error covers reachability and decoding only, operation failures travel
// inside the message.
func (c *Client) post(ctx context.Context, endpoint string, msg *common.Message) (*common.Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/submit", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	resp := &common.Message{}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}
