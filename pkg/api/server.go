// Package api exposes the stream store, reconciliation engine, scanner and
// event broadcaster over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"streamd/pkg/broadcast"
	"streamd/pkg/protocol"
	"streamd/pkg/reconcile"
	"streamd/pkg/scanner"
	"streamd/pkg/store"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Info describes the running server for /api/server.
type Info struct {
	ProjectRoot    string    `json:"projectRoot"`
	ProjectName    string    `json:"projectName"`
	BaseBranch     string    `json:"baseBranch"`
	PID            int       `json:"pid"`
	Port           int       `json:"port"`
	LockPath       string    `json:"lockPath"`
	StartedAt      time.Time `json:"startedAt"`
	Version        string    `json:"version"`
	RuntimeVersion string    `json:"runtimeVersion"`
}

// Server wires the components behind a chi router.
type Server struct {
	store       *store.Store
	engine      *reconcile.Engine
	scanner     *scanner.Scanner
	broadcaster *broadcast.Broadcaster
	info        Info
	logger      *log.Logger
	router      chi.Router
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInfo sets the data reported by /api/server.
func WithInfo(info Info) Option {
	return func(s *Server) {
		s.info = info
	}
}

// New builds the router. All components are required.
func New(st *store.Store, engine *reconcile.Engine, sc *scanner.Scanner, b *broadcast.Broadcaster, opts ...Option) *Server {
	s := &Server{
		store:       st,
		engine:      engine,
		scanner:     sc,
		broadcaster: b,
		logger:      log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/server", s.handleServer)
		r.Get("/stats", s.handleStats)

		r.Route("/streams", func(r chi.Router) {
			r.Get("/", s.handleListStreams)
			r.Post("/", s.handleCreateStream)
			r.Post("/archive-bulk", s.handleArchiveBulk)
			r.Get("/{id}", s.handleGetStream)
			r.Patch("/{id}", s.handlePatchStream)
			r.Post("/{id}/archive", s.handleArchiveStream)
			r.Get("/{id}/commits", s.handleStreamCommits)
			r.Post("/{id}/commits", s.handleIngestCommits)
		})

		r.Get("/commits", s.handleRecentCommits)

		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/status", s.handleReconcileStatus)
			r.Post("/run", s.handleReconcileRun)
			r.Get("/worktrees", s.handleWorktrees)
			r.Get("/merged", s.handleMerged)
		})

		r.Post("/scan", s.handleScan)
		r.Get("/events", s.broadcaster.ServeHTTP)
	})
	return r
}

// logRequests logs one line per request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "dur", time.Since(start))
	})
}

// Serve runs the HTTP server on ln until ctx is done, then disconnects
// event clients and shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.broadcaster.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps typed errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *protocol.ValidationError
		nf   *protocol.StreamNotFoundError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Field: verr.Field})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorBody{Error: nf.Error()})
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

// decodeBody decodes a JSON request body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &protocol.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (s *Server) notifyStreams(data any) {
	s.broadcaster.Broadcast(protocol.EventStreams, data)
}

func (s *Server) notifyStats(ctx context.Context) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("stats after change", "err", err)
		return
	}
	s.broadcaster.Broadcast(protocol.EventStats, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.info.Version})
}

type serverResponse struct {
	Info
	Clients  int             `json:"clients"`
	Scanning bool            `json:"scanning"`
	LastScan *scanner.Result `json:"lastScan,omitempty"`
}

func (s *Server) handleServer(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, serverResponse{
		Info:     s.info,
		Clients:  s.broadcaster.ClientCount(),
		Scanning: s.scanner.Scanning(),
		LastScan: s.scanner.LastResult(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	res, ran := s.scanner.Trigger(r.Context())
	if !ran {
		writeJSON(w, http.StatusConflict, errorBody{Error: "scan already in progress"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
