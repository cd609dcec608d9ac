// Package web serves a read-only HTTP view of tracked state: JSON snapshots
// of pipelines, batches and history, plus a Server-Sent Events stream of
// changes.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/flowwatch/internal/batch"
	"github.com/lucasnoah/flowwatch/internal/history"
	"github.com/lucasnoah/flowwatch/internal/tracker"
)

// Pipelines is the read side of the pipeline tracker.
type Pipelines interface {
	Get(pipelineID string) tracker.ExecutionState
	List() []tracker.ExecutionState
}

// Batches is the read side of the batch tracker.
type Batches interface {
	Get(id string) (batch.Execution, bool)
	Active() []batch.Execution
	History() []batch.Execution
}

// Options configure a Server. History may be nil.
type Options struct {
	Addr      string
	Pipelines Pipelines
	Batches   Batches
	History   history.Store
	Hub       *Hub
	Logger    *zap.Logger
}

// Server is the read-only HTTP server.
type Server struct {
	addr      string
	pipelines Pipelines
	batches   Batches
	history   history.Store
	hub       *Hub
	log       *zap.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:7401"
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		addr:      opts.Addr,
		pipelines: opts.Pipelines,
		batches:   opts.Batches,
		history:   opts.History,
		hub:       opts.Hub,
		log:       opts.Logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/pipelines", s.handlePipelines)
	mux.HandleFunc("GET /api/pipelines/{id}", s.handlePipeline)
	mux.HandleFunc("GET /api/batches", s.handleBatches)
	mux.HandleFunc("GET /api/batches/{id}", s.handleBatch)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistoryRecord)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("serving", zap.String("addr", "http://"+s.addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	// Open event streams only end when their clients go away.
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
