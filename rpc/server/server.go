package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ValentinKolb/dLog/lib/journal"
	"github.com/ValentinKolb/dLog/lib/kv"
	"github.com/ValentinKolb/dLog/lib/logger"
	"github.com/ValentinKolb/dLog/lib/vsr"
	"github.com/ValentinKolb/dLog/rpc/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
)

var log = logger.GetLogger("rpc")

const (
	contentTypeJSON      = "application/json"
	defaultTimeoutSecond = 5
)

// IStatusSource is the slice of the replica node the status endpoint
// reads. It is satisfied by *vsr.Node.
type IStatusSource interface {
	Snapshot() vsr.NodeSnapshot
}

// ServerOptions carries the process level facts shown by the status
// endpoint. The zero value works: version and incarnation stay empty and
// the journal block is omitted.
type ServerOptions struct {
	Version     string
	Incarnation string
	Journal     vsr.IJournal
}

// AdminServer exposes one replica over HTTP: Prometheus metrics on
// /metrics, a status snapshot on /status and the submit endpoint the CLI
// client drives on /submit.
//
// Usage:
//
//	s := server.NewAdminServer(config.API, node, store, server.ServerOptions{})
//
//	go func() {
//		if err := s.Serve(); err != nil {
//			panic(err)
//		}
//	}()
type AdminServer struct {
	timeout time.Duration
	node    IStatusSource
	store   kv.IStore
	adapter IAdapter
	opts    ServerOptions

	httpServer *http.Server
}

// NewAdminServer creates the admin server for one replica. The submit
// endpoint executes against the given store, the status endpoint reads
// the given node.
func NewAdminServer(config common.APIConfig, node IStatusSource, store kv.IStore, opts ServerOptions) *AdminServer {
	timeout := time.Duration(config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSecond * time.Second
	}

	s := &AdminServer{
		timeout: timeout,
		node:    node,
		store:   store,
		adapter: NewStoreAdapter(),
		opts:    opts,
	}
	s.httpServer = &http.Server{
		Addr:              config.Endpoint,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}
	return s
}

// router builds the chi router with the three admin endpoints.
func (s *AdminServer) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/metrics", s.handleMetrics)
	r.Get("/status", s.handleStatus)
	r.Post("/submit", s.handleSubmit)

	return r
}

// Serve starts the admin server and blocks until Shutdown is called or
// the listener fails. A clean shutdown returns nil.
func (s *AdminServer) Serve() error {
	log.Infof("Admin API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the admin server, waiting for inflight requests up to
// the context deadline.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

// writeJSON writes a response with the proper content type. Encoding
// failures are only logged, the status line is already out at that point.
func (s *AdminServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warningf("Failed to encode response: %v", err)
	}
}

func (s *AdminServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.WritePrometheus(w, true)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := common.StatusResponse{
		Version:     s.opts.Version,
		Incarnation: s.opts.Incarnation,
		Node:        s.node.Snapshot(),
	}

	// Journal statistics exist for disk backed replicas only
	if disk, ok := s.opts.Journal.(*journal.DiskJournal); ok {
		info := disk.Info()
		status.Journal = &info
	}

	s.writeJSON(w, http.StatusOK, status)
}

// handleSubmit decodes one command message, runs it through the adapter
// and replies with the response message. Operation failures travel
// inside the message envelope, the HTTP status stays 200 for them.
func (s *AdminServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req common.Message
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, common.NewErrorResponse(
			fmt.Sprintf("failed to decode request: %s", err),
		))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	s.writeJSON(w, http.StatusOK, s.adapter.Handle(ctx, &req, s.store))
}
