package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/tempo/internal/observability"
	"github.com/harun/tempo/pkg/agent"
	"github.com/harun/tempo/pkg/chat"
	"github.com/harun/tempo/pkg/events"
	"github.com/harun/tempo/pkg/mode"
	"github.com/rs/zerolog"
)

// ChatService runs one streamed chat turn
type ChatService interface {
	Chat(ctx context.Context, req chat.Request, w io.Writer) (*chat.Result, error)
}

// RunLister lists the delegated runs of a session
type RunLister interface {
	Runs(sessionID string) []agent.RunRecord
}

// Server is the HTTP gateway in front of the chat coordinator
type Server struct {
	addr           string
	maxBodyBytes   int64
	pingInterval   time.Duration
	chat           ChatService
	modes          *mode.Registry
	hub            *events.Hub
	runs           RunLister
	auth           *AuthHandler
	limiter        *RateLimiter
	upgrader       websocket.Upgrader
	handler        http.Handler
	server         *http.Server
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	shutdown       chan struct{}
	shutdownOnce   sync.Once
}

// Config holds server configuration
type Config struct {
	Host              string
	Port              int
	SharedSecret      string
	RequestsPerMinute int
	MaxConcurrent     int
	MaxBodyBytes      int64
	// PingInterval is the websocket keepalive period
	PingInterval time.Duration
	Chat         ChatService
	Modes        *mode.Registry
	Hub          *events.Hub
	Runs         RunLister
	Logger       zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Chat == nil {
		return nil, fmt.Errorf("chat service is required")
	}
	if cfg.Modes == nil {
		return nil, fmt.Errorf("mode registry is required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("event hub is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	s := &Server{
		addr:         net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		maxBodyBytes: cfg.MaxBodyBytes,
		pingInterval: cfg.PingInterval,
		chat:         cfg.Chat,
		modes:        cfg.Modes,
		hub:          cfg.Hub,
		runs:         cfg.Runs,
		auth:         NewAuthHandler(cfg.SharedSecret),
		limiter:      NewRateLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		logger:       cfg.Logger.With().Str("component", "gateway").Logger(),
		shutdown:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // bearer auth gates the route
			},
		},
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Limiter returns the per-client rate limiter
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Handle("/metrics", observability.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Use(s.rejectWhenShuttingDown)

		r.With(s.limiter.Middleware).Post("/v1/chat", s.handleChat)
		r.Get("/v1/modes", s.handleModes)
		r.Route("/v1/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/events", s.handleEvents)
			r.Get("/delegations", s.handleDelegations)
		})
	})
	return r
}

// rejectWhenShuttingDown answers 503 once Stop started and tracks the
// requests it lets through
func (s *Server) rejectWhenShuttingDown(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "shutting_down", Message: "Server is shutting down"})
			return
		}
		s.inFlightReqs.Add(1)
		s.shutdownMu.RUnlock()
		defer s.inFlightReqs.Done()

		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// Streams stay open for the whole turn
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server error: %w", err)
	case <-ctx.Done():
	}
	return s.Stop()
}

// Stop waits for in-flight turns, closes event streams and shuts the
// listener down
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()
	s.shutdownOnce.Do(func() { close(s.shutdown) })

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modesResponse(s.modes))
}

func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	runs := []agent.RunRecord{}
	if s.runs != nil {
		if listed := s.runs.Runs(chi.URLParam(r, "sessionID")); listed != nil {
			runs = listed
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}
