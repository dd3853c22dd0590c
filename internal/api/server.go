// Package api is the operator-facing HTTP surface: the HITL review
// endpoints, the dashboard socket, health and metrics, plus whatever
// channel webhooks the caller mounts.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"replyguard/internal/bus"
	"replyguard/internal/domain"
	"replyguard/internal/metrics"
	"replyguard/internal/policy"
	"replyguard/internal/workflow"
)

const maxBodySize = 1 << 20 // 1MB

// Store is the read side the API needs.
type Store interface {
	Ping(ctx context.Context) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListMessages(ctx context.Context, convID string) ([]domain.Message, error)
	ListPending(ctx context.Context, limit int) ([]domain.Message, error)
	ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error)
	ListSecurityAudit(ctx context.Context, limit int) ([]domain.SecurityAuditRecord, error)
	CountByStatus(ctx context.Context) (map[domain.MessageStatus]int, error)
}

// Operator is the HITL workflow as seen by the review endpoints.
type Operator interface {
	Approve(ctx context.Context, id int64, actor string) (*domain.Message, error)
	Reject(ctx context.Context, id int64, actor string) error
	Edit(ctx context.Context, id int64, content, actor string) (*domain.Message, error)
	SendOperatorMessage(ctx context.Context, conversationID, content, actor string) (*domain.Message, error)
}

// Mounter registers extra routes, e.g. the inbound webhooks.
type Mounter interface {
	Register(mux *http.ServeMux)
}

// MounterFunc adapts a function to Mounter.
type MounterFunc func(mux *http.ServeMux)

func (f MounterFunc) Register(mux *http.ServeMux) { f(mux) }

type Config struct {
	Host      string
	Port      int
	JWTSecret string // empty disables operator auth
	Store     Store
	Operator  Operator
	Events    *bus.EventBus
	Dashboard http.Handler // websocket endpoint, nil disables /ws/dashboard
	Mounts    []Mounter
	Version   string
	Logger    *slog.Logger
}

type Server struct {
	host     string
	port     int
	store    Store
	operator Operator
	events   *bus.EventBus
	auth     *Authenticator
	version  string
	logger   *slog.Logger
	handler  http.Handler
	server   *http.Server
	started  time.Time
}

func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		host:     cfg.Host,
		port:     cfg.Port,
		store:    cfg.Store,
		operator: cfg.Operator,
		events:   cfg.Events,
		auth:     NewAuthenticator(cfg.JWTSecret),
		version:  cfg.Version,
		logger:   cfg.Logger,
		started:  time.Now(),
	}
	s.handler = s.routes(cfg)
	return s
}

func (s *Server) routes(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Collector.Handler())

	mux.HandleFunc("GET /api/messages/pending", s.auth.Require(s.handleListPending))
	mux.HandleFunc("POST /api/messages/{id}/approve", s.auth.Require(s.handleApprove))
	mux.HandleFunc("POST /api/messages/{id}/reject", s.auth.Require(s.handleReject))
	mux.HandleFunc("PUT /api/messages/{id}", s.auth.Require(s.handleEdit))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.auth.Require(s.handleListMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.auth.Require(s.handleOperatorMessage))
	mux.HandleFunc("GET /api/audit", s.auth.Require(s.handleAudit))
	mux.HandleFunc("GET /api/stats", s.auth.Require(s.handleStats))
	mux.HandleFunc("GET /api/events", s.auth.Require(s.handleEvents))

	if cfg.Dashboard != nil {
		mux.HandleFunc("GET /ws/dashboard", s.auth.Require(cfg.Dashboard.ServeHTTP))
	}
	for _, m := range cfg.Mounts {
		m.Register(mux)
	}
	return logRequests(s.logger, mux)
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("api server started", "addr", "http://"+s.Addr(), "auth", s.auth.Enabled())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: rw, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", sw.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack is needed by the websocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeErrorMsg(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}

// writeError maps workflow sentinels to status codes.
func (s *Server) writeError(rw http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, workflow.ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, workflow.ErrEmptyContent):
		status = http.StatusBadRequest
	case errors.Is(err, policy.ErrUnconfigured):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeErrorMsg(rw, status, "internal error")
		return
	}
	writeErrorMsg(rw, status, err.Error())
}
