// Package server exposes agents over HTTP. Each session id maps to one
// agent kept in a bounded LRU cache; evicted agents are shut down.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/dacli/agentloop"
	"github.com/martinemde/dacli/logger"
	"github.com/martinemde/dacli/memory"
	"github.com/martinemde/dacli/metrics"
	"github.com/martinemde/dacli/unifiedllm"
)

const (
	// DefaultSessionID is used when a request names no session.
	DefaultSessionID = "default"
	// DefaultMaxSessions bounds the live agents when no limit is given.
	DefaultMaxSessions = 32

	tracerName = "github.com/martinemde/dacli/server"
)

// Opener builds agents and exposes persisted sessions. *session.Factory
// satisfies it.
type Opener interface {
	Open(ctx context.Context, sessionID string) (*agentloop.Agent, bool, error)
	Store(sessionID string) (*memory.Store, error)
	Sessions() ([]memory.SessionSummary, error)
}

// entry serializes ProcessMessage calls on one agent. shut is set under
// mu once the agent has been shut down after eviction.
type entry struct {
	mu     sync.Mutex
	agent  *agentloop.Agent
	shut   bool
	closed chan struct{}
}

// Server routes HTTP requests to per-session agents.
type Server struct {
	opener      Opener
	metrics     *metrics.Metrics
	log         logger.Logger
	tracer      trace.Tracer
	version     string
	environment string
	maxSessions int

	mu       sync.Mutex
	sessions *lru.Cache[string, *entry]
	// pending holds, per session id, a channel closed once an evicted agent
	// has shut down or a reset has finished. No agent is opened for an id
	// while it is pending.
	pending map[string]chan struct{}
	wg      sync.WaitGroup

	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics sets the Prometheus collectors served on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the request and session logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithTracer sets the tracer for invoke spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithMaxSessions bounds the number of live agents.
func WithMaxSessions(n int) Option {
	return func(s *Server) { s.maxSessions = n }
}

// WithInfo sets the version and environment reported by /health.
func WithInfo(version, environment string) Option {
	return func(s *Server) {
		s.version = version
		s.environment = environment
	}
}

// New creates a server. Agents are opened lazily on first use.
func New(opener Opener, opts ...Option) (*Server, error) {
	s := &Server{
		opener:      opener,
		log:         logger.NewNop(),
		version:     "dev",
		environment: "development",
		maxSessions: DefaultMaxSessions,
		pending:     map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.maxSessions <= 0 {
		s.maxSessions = DefaultMaxSessions
	}

	cache, err := lru.NewWithEvict(s.maxSessions, s.evicted)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	s.sessions = cache
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestContext(s.log))

	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	r.POST("/invoke", s.invoke)
	r.GET("/sessions", s.listSessions)
	r.POST("/sessions/:id/reset", s.resetSession)
	return r
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler { return s.router }

// Warmup opens the default session so /ready reports ready.
func (s *Server) Warmup(ctx context.Context) error {
	_, err := s.session(ctx, DefaultSessionID)
	return err
}

// Run serves on addr until ctx is cancelled, then drains in-flight
// requests and shuts every agent down.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close shuts down every live agent and waits for their event consumers.
func (s *Server) Close() {
	s.mu.Lock()
	s.sessions.Purge()
	s.mu.Unlock()
	s.wg.Wait()
}

// session returns the live agent for id, opening it when needed.
func (s *Server) session(ctx context.Context, id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions.Get(id); ok {
		return e, nil
	}
	if err := s.awaitLocked(ctx, id); err != nil {
		return nil, err
	}
	if e, ok := s.sessions.Get(id); ok {
		return e, nil
	}
	agent, resumed, err := s.opener.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("Session opened", "session_id", id, "resumed", resumed)

	e := &entry{agent: agent, closed: make(chan struct{})}
	s.wg.Add(1)
	go s.consume(agent)
	s.sessions.Add(id, e)
	return e, nil
}

// awaitLocked waits, with s.mu released, until id is no longer pending.
// s.mu is held again on return.
func (s *Server) awaitLocked(ctx context.Context, id string) error {
	for {
		done, ok := s.pending[id]
		if !ok {
			return nil
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		s.mu.Lock()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// evicted runs while s.mu is held, so the shutdown happens on its own
// goroutine once any in-flight invocation has released the agent. A reset
// already pending on id keeps its own channel.
func (s *Server) evicted(id string, e *entry) {
	if _, ok := s.pending[id]; !ok {
		s.pending[id] = e.closed
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.shutdown(id, e)

		s.mu.Lock()
		if s.pending[id] == e.closed {
			delete(s.pending, id)
		}
		s.mu.Unlock()
		close(e.closed)
	}()
}

func (s *Server) shutdown(id string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shut = true
	if err := e.agent.Shutdown(context.Background()); err != nil {
		s.log.Warn("Session shutdown failed", "session_id", id, "error", err)
		return
	}
	s.log.Info("Session closed", "session_id", id)
}

// consume turns agent events into metrics and log lines until the agent
// shuts down.
func (s *Server) consume(agent *agentloop.Agent) {
	defer s.wg.Done()
	for ev := range agent.Events() {
		log := s.log.With("session_id", ev.SessionID)
		switch ev.Kind {
		case agentloop.EventToolEnd:
			name, _ := ev.Data["tool_name"].(string)
			status, _ := ev.Data["status"].(string)
			ms, _ := ev.Data["duration_ms"].(float64)
			s.metrics.RecordToolCall(name, status, ms)
			log.Info("Tool finished", "tool_name", name, "status", status, "duration_ms", ms)
		case agentloop.EventToolStart:
			log.Debug("Tool started", "tool_name", ev.Data["tool_name"], "call_id", ev.Data["call_id"])
		case agentloop.EventLoopDetected, agentloop.EventError:
			log.Warn(ev.String(), "kind", ev.Kind)
		default:
			log.Debug(ev.String(), "kind", ev.Kind)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"version":           s.version,
		"environment":       s.environment,
		"agent_initialized": s.sessions.Len() > 0,
	})
}

func (s *Server) ready(c *gin.Context) {
	if s.sessions.Len() == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Agent not yet initialized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "sessions": s.sessions.Len()})
}

// InvokeRequest is the body of POST /invoke.
type InvokeRequest struct {
	SessionID string         `json:"session_id"`
	Message   string         `json:"message" binding:"required"`
	Metadata  map[string]any `json:"metadata"`
}

// TokenUsage reports the tokens one invocation consumed.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// InvokeResponse is the body returned by POST /invoke.
type InvokeResponse struct {
	SessionID      string                  `json:"session_id"`
	RequestID      string                  `json:"request_id"`
	Content        string                  `json:"content"`
	ToolCalls      []unifiedllm.ToolCall   `json:"tool_calls"`
	Iteration      int                     `json:"iteration"`
	TokenUsage     TokenUsage              `json:"token_usage"`
	DurationMs     float64                 `json:"duration_ms"`
	Status         string                  `json:"status"`
	State          agentloop.State         `json:"state"`
	Error          string                  `json:"error,omitempty"`
	NeedsUserInput bool                    `json:"needs_user_input"`
	Pending        *agentloop.PendingInput `json:"pending,omitempty"`
}

func (s *Server) invoke(c *gin.Context) {
	start := time.Now()
	var req InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if req.SessionID == "" {
		req.SessionID = DefaultSessionID
	}
	if !memory.ValidSessionID(req.SessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("invalid session id %q", req.SessionID)})
		return
	}

	ctx, span := s.tracer.Start(c.Request.Context(), "server.invoke",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	resp, err := s.process(ctx, req.SessionID, req.Message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordInvocation(req.SessionID, "error")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	calls := resp.ToolCalls
	if calls == nil {
		calls = []unifiedllm.ToolCall{}
	}
	status := "success"
	if resp.Error != "" {
		status = "error"
	}
	s.metrics.RecordInvocation(req.SessionID, string(resp.State))
	span.SetAttributes(attribute.String("agent.state", string(resp.State)))

	c.JSON(http.StatusOK, InvokeResponse{
		SessionID: req.SessionID,
		RequestID: c.GetString(requestIDKey),
		Content:   resp.Content,
		ToolCalls: calls,
		Iteration: resp.Iteration,
		TokenUsage: TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		DurationMs:     float64(time.Since(start).Microseconds()) / 1000,
		Status:         status,
		State:          resp.State,
		Error:          resp.Error,
		NeedsUserInput: resp.NeedsUserInput,
		Pending:        resp.Pending,
	})
}

// process runs message on the session's agent. An agent evicted between
// lookup and lock is reopened.
func (s *Server) process(ctx context.Context, id, message string) (*agentloop.Response, error) {
	for {
		e, err := s.session(ctx, id)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if e.shut {
			e.mu.Unlock()
			continue
		}
		resp, err := e.agent.ProcessMessage(ctx, message)
		e.mu.Unlock()
		return resp, err
	}
}

func (s *Server) listSessions(c *gin.Context) {
	persisted, err := s.opener.Sessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	if persisted == nil {
		persisted = []memory.SessionSummary{}
	}
	active := s.sessions.Keys()
	c.JSON(http.StatusOK, gin.H{
		"active_sessions": active,
		"count":           len(active),
		"sessions":        persisted,
	})
}

// resetSession closes the live agent for the session and clears its
// conversation history. Progress state is kept.
func (s *Server) resetSession(c *gin.Context) {
	id := c.Param("id")
	if !memory.ValidSessionID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("invalid session id %q", id)})
		return
	}

	if err := s.reset(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset", "session_id": id})
}

// reset shuts the session's agent down and clears its history. The id stays
// pending until the history is cleared, so invocations arriving meanwhile
// open a fresh agent afterwards.
func (s *Server) reset(ctx context.Context, id string) error {
	done := make(chan struct{})
	s.mu.Lock()
	if err := s.awaitLocked(ctx, id); err != nil {
		s.mu.Unlock()
		return err
	}
	e, live := s.sessions.Peek(id)
	s.pending[id] = done
	s.sessions.Remove(id)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		close(done)
	}()

	if live {
		<-e.closed
	}
	store, err := s.opener.Store(id)
	if err != nil {
		return err
	}
	found, err := store.LoadSession(id)
	if err != nil || !found {
		return err
	}
	return store.ClearMessages()
}
