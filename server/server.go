// Package server exposes an engine and its chunk store over HTTP.
//
// Responses are JSON unless the request accepts application/msgpack.
// Blobs are addressed by the names they were registered under; chunks by
// their store IDs.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/meigma/blobtree"
	"github.com/meigma/blobtree/source"
)

const shutdownTimeout = 10 * time.Second

// Server serves decode requests and chunk queries for a fixed set of named
// blobs.
type Server struct {
	engine *blobtree.Engine
	blobs  map[string]source.ByteSource
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New returns a server for engine. blobs maps URL names to sources and is
// not modified.
func New(engine *blobtree.Engine, blobs map[string]source.ByteSource, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, errors.New("server: engine is nil")
	}
	s := &Server{engine: engine, blobs: blobs}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	routes := []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{http.MethodGet, "/formats", s.formatsHandler},
		{http.MethodGet, "/blobs", s.blobsHandler},
		{http.MethodPost, "/blobs/:blob/decode", s.decodeHandler},
		{http.MethodGet, "/blobs/:blob/roots", s.rootsHandler},
		{http.MethodGet, "/chunks/:id", s.chunkHandler},
		{http.MethodGet, "/chunks/:id/children", s.childrenHandler},
		{http.MethodDelete, "/chunks/:id", s.deleteHandler},
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, s.logWrapper(route.handler))
	}
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	s.log().Info("listening", "addr", ln.Addr().String(), "blobs", len(s.blobs))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) blobNames() []string {
	names := make([]string, 0, len(s.blobs))
	for name := range s.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r, ps)
		s.log().Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	}
}
