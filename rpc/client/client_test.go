package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dLog/lib/vsr"
	"github.com/ValentinKolb/dLog/rpc/common"
)

// --------------------------------------------------------------------------
// Test Helpers
// --------------------------------------------------------------------------

// fakeReplica serves a minimal submit endpoint. A non-leader denies every
// command with the NotLeader code, a leader executes set, get and has
// against its own map.
type fakeReplica struct {
	leader bool
	hits   atomic.Int32

	mu   sync.Mutex
	data map[string][]byte

	server *httptest.Server
}

func newFakeReplica(leader bool) *fakeReplica {
	f := &fakeReplica{leader: leader, data: make(map[string][]byte)}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeReplica) handle(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)

	var req common.Message
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := &common.Message{MsgType: req.MsgType}
	if !f.leader {
		resp.Err = "replica 2 leads this view"
		resp.Code = vsr.RetCNotLeader.String()
	} else {
		f.mu.Lock()
		switch req.MsgType {
		case common.MsgTKVSet:
			f.data[req.Key] = req.Value
		case common.MsgTKVGet:
			resp.Value, resp.Ok = f.data[req.Key]
		case common.MsgTKVHas:
			_, resp.Ok = f.data[req.Key]
		case common.MsgTKVDelete:
			delete(f.data, req.Key)
		default:
			resp.Err = "unsupported"
			resp.Code = vsr.RetCInvalidOperation.String()
		}
		f.mu.Unlock()
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	_ = json.NewEncoder(w).Encode(resp)
}

func testClient(t *testing.T, retries int, endpoints ...string) *Client {
	t.Helper()
	c, err := New(common.ClientConfig{
		Endpoints:     endpoints,
		TimeoutSecond: 2,
		RetryCount:    retries,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestClientRoundTrip(t *testing.T) {
	leader := newFakeReplica(true)
	defer leader.server.Close()

	c := testClient(t, 0, leader.server.URL)
	ctx := context.Background()

	if err := c.Set(ctx, "city", []byte("ulm")); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	value, ok, err := c.Get(ctx, "city")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || string(value) != "ulm" {
		t.Errorf("expected (ulm, true), got (%s, %t)", value, ok)
	}

	if ok, err := c.Has(ctx, "nowhere"); err != nil || ok {
		t.Errorf("expected (false, nil), got (%t, %v)", ok, err)
	}
}

func TestClientLeaderHopping(t *testing.T) {
	follower := newFakeReplica(false)
	defer follower.server.Close()
	leader := newFakeReplica(true)
	defer leader.server.Close()

	t.Run("leader denial moves to the next endpoint", func(t *testing.T) {
		c := testClient(t, 1, follower.server.URL, leader.server.URL)
		if err := c.Set(context.Background(), "k", []byte("v")); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		if got := leader.hits.Load(); got != 1 {
			t.Errorf("expected the leader to serve the request, hits = %d", got)
		}
	})

	t.Run("later requests start at the learned leader", func(t *testing.T) {
		followerHits := follower.hits.Load()
		c := testClient(t, 1, follower.server.URL, leader.server.URL)
		if err := c.Set(context.Background(), "a", []byte("1")); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		if err := c.Set(context.Background(), "b", []byte("2")); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		// Only the first request may touch the follower
		if got := follower.hits.Load() - followerHits; got != 1 {
			t.Errorf("expected 1 follower hit, got %d", got)
		}
	})

	t.Run("hops exhausted surface the leader denial", func(t *testing.T) {
		c := testClient(t, 2, follower.server.URL)
		err := c.Set(context.Background(), "k", []byte("v"))
		if !errors.Is(err, ErrNotLeader) {
			t.Errorf("expected ErrNotLeader, got %v", err)
		}
	})
}

func TestClientUnreachableEndpoint(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	leader := newFakeReplica(true)
	defer leader.server.Close()

	c := testClient(t, 1, dead.URL, leader.server.URL)
	if err := c.Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
}

func TestClientOperationFailureIsFinal(t *testing.T) {
	leader := newFakeReplica(true)
	defer leader.server.Close()
	second := newFakeReplica(true)
	defer second.server.Close()

	c := testClient(t, 3, leader.server.URL, second.server.URL)

	// Expire is unsupported by the fake, the error must come back without
	// a hop to the second endpoint
	err := c.Expire(context.Background(), "k")
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := second.hits.Load(); got != 0 {
		t.Errorf("expected no hop for an operation failure, hits = %d", got)
	}
}

func TestClientStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(common.StatusResponse{
			Version:     "1.0.0",
			Incarnation: "boot-7",
			Node:        vsr.NodeSnapshot{Replica: 3, View: 12},
		})
	}))
	defer ts.Close()

	c := testClient(t, 0, ts.URL)
	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Version != "1.0.0" || status.Node.Replica != 3 || status.Node.View != 12 {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestClientValidation(t *testing.T) {
	if _, err := New(common.ClientConfig{}); err == nil {
		t.Error("expected an error for a client without endpoints")
	}
}
