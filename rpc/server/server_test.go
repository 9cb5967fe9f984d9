package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dLog/lib/journal"
	"github.com/ValentinKolb/dLog/lib/kv"
	"github.com/ValentinKolb/dLog/lib/vsr"
	"github.com/ValentinKolb/dLog/rpc/common"
)

// --------------------------------------------------------------------------
// Test Helpers
// --------------------------------------------------------------------------

// fakeStore implements kv.IStore over a plain map, it only checks the
// plumbing between handler and store. A non-nil err is returned by every
// call, hadDeadline records whether the last call got a context with a
// deadline.
type fakeStore struct {
	mu          sync.Mutex
	data        map[string][]byte
	err         error
	hadDeadline bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

// observe records call facts shared by every operation. Callers hold the
// lock.
func (f *fakeStore) observe(ctx context.Context) error {
	_, f.hadDeadline = ctx.Deadline()
	return f.err
}

func (f *fakeStore) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.observe(ctx); err != nil {
		return err
	}
	f.data[key] = value
	return nil
}

func (f *fakeStore) SetE(ctx context.Context, key string, value []byte, expireIn, deleteIn uint64) error {
	return f.Set(ctx, key, value)
}

func (f *fakeStore) SetIfUnset(ctx context.Context, key string, value []byte, expireIn, deleteIn uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.observe(ctx); err != nil {
		return err
	}
	if _, ok := f.data[key]; !ok {
		f.data[key] = value
	}
	return nil
}

func (f *fakeStore) Expire(ctx context.Context, key string) error {
	return f.Delete(ctx, key)
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.observe(ctx); err != nil {
		return err
	}
	delete(f.data, key)
	return nil
}

func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.observe(ctx); err != nil {
		return nil, false, err
	}
	val, ok := f.data[key]
	return val, ok, nil
}

func (f *fakeStore) Has(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.observe(ctx); err != nil {
		return false, err
	}
	_, ok := f.data[key]
	return ok, nil
}

var _ kv.IStore = (*fakeStore)(nil)

// fakeNode serves a fixed snapshot.
type fakeNode struct {
	snap vsr.NodeSnapshot
}

func (f *fakeNode) Snapshot() vsr.NodeSnapshot { return f.snap }

// submit posts one message to the test server and decodes the response.
func submit(t *testing.T, url string, req *common.Message) *common.Message {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	httpResp, err := http.Post(url+"/submit", contentTypeJSON, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to post request: %v", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", httpResp.StatusCode)
	}
	resp := &common.Message{}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestSubmitEndpoint(t *testing.T) {
	store := newFakeStore()
	srv := NewAdminServer(common.APIConfig{TimeoutSecond: 1}, &fakeNode{}, store, ServerOptions{})
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	t.Run("set then get round trip", func(t *testing.T) {
		resp := submit(t, ts.URL, common.NewSetRequest("greeting", []byte("hello")))
		if resp.Err != "" {
			t.Fatalf("set failed: %s", resp.Err)
		}
		if resp.MsgType != common.MsgTKVSet {
			t.Errorf("expected set response, got %s", resp.MsgType)
		}

		resp = submit(t, ts.URL, common.NewGetRequest("greeting"))
		if resp.Err != "" {
			t.Fatalf("get failed: %s", resp.Err)
		}
		if !resp.Ok {
			t.Fatal("expected the key to be found")
		}
		if string(resp.Value) != "hello" {
			t.Errorf("expected value %q, got %q", "hello", resp.Value)
		}
	})

	t.Run("get of a missing key", func(t *testing.T) {
		resp := submit(t, ts.URL, common.NewGetRequest("void"))
		if resp.Err != "" {
			t.Fatalf("get failed: %s", resp.Err)
		}
		if resp.Ok {
			t.Error("expected the key to be missing")
		}
	})

	t.Run("delete removes the key", func(t *testing.T) {
		submit(t, ts.URL, common.NewSetRequest("doomed", []byte("x")))
		if resp := submit(t, ts.URL, common.NewDeleteRequest("doomed")); resp.Err != "" {
			t.Fatalf("delete failed: %s", resp.Err)
		}
		if resp := submit(t, ts.URL, common.NewHasRequest("doomed")); resp.Ok {
			t.Error("expected the key to be gone")
		}
	})

	t.Run("store failure carries the symbolic code", func(t *testing.T) {
		store.mu.Lock()
		store.err = vsr.NewError(vsr.RetCNotLeader, "replica 2 leads view 7")
		store.mu.Unlock()
		defer func() {
			store.mu.Lock()
			store.err = nil
			store.mu.Unlock()
		}()

		resp := submit(t, ts.URL, common.NewSetRequest("k", []byte("v")))
		if resp.Err == "" {
			t.Fatal("expected an error response")
		}
		if resp.Code != "NotLeader" {
			t.Errorf("expected code NotLeader, got %q", resp.Code)
		}
	})

	t.Run("handler applies a deadline", func(t *testing.T) {
		submit(t, ts.URL, common.NewHasRequest("any"))
		store.mu.Lock()
		hadDeadline := store.hadDeadline
		store.mu.Unlock()
		if !hadDeadline {
			t.Error("expected the store call to carry a deadline")
		}
	})

	t.Run("unsupported message type", func(t *testing.T) {
		resp := submit(t, ts.URL, &common.Message{MsgType: common.MsgTError})
		if !strings.Contains(resp.Err, "unsupported message type") {
			t.Errorf("unexpected error %q", resp.Err)
		}
	})

	t.Run("undecodable request is rejected", func(t *testing.T) {
		httpResp, err := http.Post(ts.URL+"/submit", contentTypeJSON, strings.NewReader("{not json"))
		if err != nil {
			t.Fatalf("failed to post request: %v", err)
		}
		defer httpResp.Body.Close()
		if httpResp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", httpResp.StatusCode)
		}
	})
}

func TestStatusEndpoint(t *testing.T) {
	snap := vsr.NodeSnapshot{
		Replica:  2,
		View:     7,
		Leader:   1,
		OpNumber: 42,
		Commit:   40,
	}

	t.Run("memory journal omits the journal block", func(t *testing.T) {
		srv := NewAdminServer(
			common.APIConfig{},
			&fakeNode{snap: snap},
			newFakeStore(),
			ServerOptions{Version: "1.2.3", Incarnation: "boot-1", Journal: journal.NewMemory()},
		)
		ts := httptest.NewServer(srv.router())
		defer ts.Close()

		httpResp, err := http.Get(ts.URL + "/status")
		if err != nil {
			t.Fatalf("failed to get status: %v", err)
		}
		defer httpResp.Body.Close()

		var status common.StatusResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&status); err != nil {
			t.Fatalf("failed to decode status: %v", err)
		}
		if status.Version != "1.2.3" || status.Incarnation != "boot-1" {
			t.Errorf("unexpected build info %q / %q", status.Version, status.Incarnation)
		}
		if status.Node.Replica != snap.Replica || status.Node.View != snap.View {
			t.Errorf("snapshot not passed through: %+v", status.Node)
		}
		if status.Journal != nil {
			t.Error("expected no journal block for a memory journal")
		}
	})

	t.Run("disk journal reports its statistics", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "replica-2.journal")
		disk, err := journal.Open(path, 2)
		if err != nil {
			t.Fatalf("failed to open journal: %v", err)
		}
		defer disk.Close()

		srv := NewAdminServer(
			common.APIConfig{},
			&fakeNode{snap: snap},
			newFakeStore(),
			ServerOptions{Journal: disk},
		)
		ts := httptest.NewServer(srv.router())
		defer ts.Close()

		httpResp, err := http.Get(ts.URL + "/status")
		if err != nil {
			t.Fatalf("failed to get status: %v", err)
		}
		defer httpResp.Body.Close()

		var status common.StatusResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&status); err != nil {
			t.Fatalf("failed to decode status: %v", err)
		}
		if status.Journal == nil {
			t.Fatal("expected a journal block for a disk journal")
		}
		if status.Journal.Path != path {
			t.Errorf("expected journal path %q, got %q", path, status.Journal.Path)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewAdminServer(common.APIConfig{}, &fakeNode{}, newFakeStore(), ServerOptions{})
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	// Registering an instrumentation makes the replica series appear in
	// the exposition
	vsr.NewInstrumentation(1, vsr.SingleNodeConfig(1))

	httpResp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("failed to get metrics: %v", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", httpResp.StatusCode)
	}
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	if !strings.Contains(string(body), `dlog_operations_total{replica="1"}`) {
		t.Error("expected the replica counters in the exposition")
	}
}

func TestServeShutdown(t *testing.T) {
	srv := NewAdminServer(common.APIConfig{Endpoint: "127.0.0.1:0"}, &fakeNode{}, newFakeStore(), ServerOptions{})

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v after shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}
