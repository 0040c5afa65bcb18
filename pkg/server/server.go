// Copyright 2026 © The Avva Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jllopis/avva/pkg/core"
)

// Server serves the websocket endpoint and a health report.
type Server struct {
	addr     string
	path     string
	hub      *Hub
	health   core.HealthCheckProvider
	upgrader websocket.Upgrader
	logger   *slog.Logger
	srv      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithPath sets the websocket path. Defaults to /ws.
func WithPath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.path = path
		}
	}
}

// WithHealth serves health results on /healthz.
func WithHealth(h core.HealthCheckProvider) Option {
	return func(s *Server) { s.health = h }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCheckOrigin restricts websocket origins.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		if fn != nil {
			s.upgrader.CheckOrigin = fn
		}
	}
}

// New creates a server for hub listening on addr.
func New(addr string, hub *Hub, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		path:   "/ws",
		hub:    hub,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     localOrigin,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// localOrigin accepts non-browser clients and pages served from loopback.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler returns the HTTP handler with the websocket and health routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get(s.path, s.serveWS)
	r.Get("/healthz", s.serveHealth)
	return r
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = "client-" + uuid.New().String()[:8]
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	// Commands outlive the upgrade request, so they hang off a fresh context.
	c := newClient(context.Background(), conn, s.hub, clientID)
	s.hub.register(c)
	go c.writePump()
	go c.readPump()
}

type healthReport struct {
	Status     core.HealthStatus   `json:"status"`
	Components []core.HealthResult `json:"components"`
	Clients    int                 `json:"clients"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: core.HealthHealthy, Components: []core.HealthResult{}, Clients: s.hub.Clients()}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		report.Components, report.Status = s.health.CheckAll(ctx)
	}
	code := http.StatusOK
	if report.Status == core.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr, "path", s.path)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	s.hub.Close()
	s.logger.Info("server stopped")
	return err
}
