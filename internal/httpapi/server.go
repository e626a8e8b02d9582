package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/omrdash/upload-agent/internal/queue"
)

// aborter cancels the actively driven job. *queue.Processor satisfies it.
type aborter interface {
	Abort(id string) bool
}

type Server struct {
	store   *queue.Store
	aborter aborter

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

// WithAborter wires job cancellation into the API.
func WithAborter(a aborter) Option {
	return func(s *Server) {
		s.aborter = a
	}
}

func NewServer(store *queue.Store, opts ...Option) *Server {
	s := &Server{
		store: store,
		mux:   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/queue", s.handleQueue)
	s.mux.HandleFunc("/api/queue/stream", s.handleQueueStream)
	s.mux.HandleFunc("/api/queue/clear-completed", s.handleClearCompleted)
	s.mux.HandleFunc("/api/queue/reset", s.handleReset)
	s.mux.HandleFunc("/api/queue/", s.handleQueueItem)
}
