package monitor

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/blyss-chat/internal/auth"
	"github.com/npezzotti/blyss-chat/internal/types"
)

type PushState interface {
	IsOpen() bool
}

type ChatView interface {
	Threads() []types.Thread
	TotalUnread() int
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Snapshotter interface {
	Snapshot() map[string]any
}

// Probes are the components the health endpoint reports on. Archive and
// Stats may be nil.
type Probes struct {
	Identity auth.Provider
	Push     PushState
	Chat     ChatView
	Archive  Pinger
	Stats    Snapshotter
}

// Server is the debug HTTP server. Routes already registered on the mux
// passed to NewServer (such as /debug/vars) are served alongside /healthz.
type Server struct {
	log    *log.Logger
	srv    *http.Server
	probes Probes
}

func NewServer(mux *http.ServeMux, logger *log.Logger, addr string, probes Probes) *Server {
	s := &Server{
		log:    logger,
		probes: probes,
	}

	mux.HandleFunc("GET /healthz", s.healthz)

	var h http.Handler = handlers.CompressHandler(mux)
	h = handlers.LoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: h,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Printf("starting debug server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down debug server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
