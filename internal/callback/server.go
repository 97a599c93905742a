package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/tether/internal/protocol"
)

const (
	DefaultPath            = "/api/messages/process"
	DefaultMaxBodySize     = 1 << 20
	DefaultInboxSize       = 64
	DefaultSignatureHeader = "X-Signature-256"
)

// Config configures the listener.
type Config struct {
	Listen          string
	Path            string
	MaxBodySize     int64
	InboxSize       int
	Secret          string
	SignatureHeader string
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status     string `json:"status"`
	AgentID    string `json:"agent_id"`
	Subscribed bool   `json:"subscribed"`
}

// AcceptResponse is the body of a successful push.
type AcceptResponse struct {
	Accepted int `json:"accepted"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server receives pushed messages and hands them to the control loop through
// a bounded inbox. It never dispatches messages itself.
type Server struct {
	config     Config
	agentID    string
	subscribed func() bool
	logger     *slog.Logger

	mu    sync.Mutex // serializes capacity check and enqueue
	inbox chan json.RawMessage

	server *http.Server
	ready  chan struct{}
	addr   net.Addr
}

// New creates a listener. subscribed reports the push subscription state for
// /healthz and may be nil.
func New(config Config, agentID string, subscribed func() bool, logger *slog.Logger) *Server {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultInboxSize
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}
	if subscribed == nil {
		subscribed = func() bool { return false }
	}
	return &Server{
		config:     config,
		agentID:    agentID,
		subscribed: subscribed,
		logger:     logger.With("component", "callback"),
		inbox:      make(chan json.RawMessage, config.InboxSize),
		ready:      make(chan struct{}),
	}
}

// Inbox yields pushed messages in arrival order.
func (s *Server) Inbox() <-chan json.RawMessage {
	return s.inbox
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Addr blocks until Start has tried to listen and returns the bound
// address, or nil if listening failed.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.addr
}

// Start serves until ctx is cancelled. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		close(s.ready)
		return fmt.Errorf("callback listen %s: %w", s.config.Listen, err)
	}
	s.addr = ln.Addr()
	close(s.ready)

	s.server = &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("callback server starting", "listen", s.addr.String(), "path", s.config.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("callback server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("callback server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("callback server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post(s.config.Path, s.handlePush)

	return r
}

// loggingMiddleware logs each request without its body.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("callback request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		AgentID:    s.agentID,
		Subscribed: s.subscribed(),
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if s.config.Secret != "" {
		if err := verifySignature(body, r.Header.Get(s.config.SignatureHeader), s.config.Secret); err != nil {
			s.logger.Warn("pushed message rejected", "header", s.config.SignatureHeader, "error", err)
			s.respondError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	msgs, err := protocol.DecodePush(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "body must be a message object or an array of messages")
		return
	}

	if !s.enqueue(msgs) {
		s.logger.Warn("callback inbox full, rejecting push", "messages", len(msgs), "capacity", cap(s.inbox))
		s.respondError(w, http.StatusServiceUnavailable, "inbox full")
		return
	}

	s.logger.Debug("pushed messages queued", "messages", len(msgs))
	s.respondJSON(w, http.StatusAccepted, AcceptResponse{Accepted: len(msgs)})
}

// enqueue queues all of msgs or none of them. Only the control loop receives
// from the inbox, so free space can only grow between the check and the sends.
func (s *Server) enqueue(msgs []json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cap(s.inbox)-len(s.inbox) < len(msgs) {
		return false
	}
	for _, m := range msgs {
		s.inbox <- m
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
