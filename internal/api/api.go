// Package api provides the HTTP surface of CallPipe.
//
// It exposes the telephony webhook and turn callbacks, the media stream
// websocket, synthesized media files, and small operational endpoints. All
// call logic lives in the flow engine; handlers only translate between HTTP
// and engine actions.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CallPipe/internal/conversation"
	"github.com/BTreeMap/CallPipe/internal/flow"
	"github.com/BTreeMap/CallPipe/internal/store"
	"github.com/BTreeMap/CallPipe/internal/twiliovoice"
)

// Default server configuration
const (
	// DefaultAddr is the default listen address for the API server
	DefaultAddr = ":8000"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr     string
	MediaDir string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithMediaDir sets the directory synthesized media files are served from.
func WithMediaDir(dir string) Option {
	return func(o *Opts) {
		o.MediaDir = dir
	}
}

// Server wires the flow engine and TwiML renderer behind HTTP handlers.
type Server struct {
	engine   *flow.Engine
	renderer *twiliovoice.Renderer
	registry *conversation.Registry
	st       store.Store
	mediaDir string
	addr     string
	httpSrv  *http.Server
}

// NewServer creates the API server.
func NewServer(engine *flow.Engine, renderer *twiliovoice.Renderer, registry *conversation.Registry, st store.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		engine:   engine,
		renderer: renderer,
		registry: registry,
		st:       st,
		mediaDir: cfg.MediaDir,
		addr:     cfg.Addr,
	}
}

// Handler builds the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/turn", s.turnHandler)
	mux.HandleFunc("/hangup", s.hangupHandler)
	mux.HandleFunc("/audio", s.audioHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/calls", s.callsHandler)
	if s.mediaDir != "" {
		mux.Handle("/media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir))))
	}
	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.Handler()}
	slog.Info("API server listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("API server stopped with error", "error", err)
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
