// Package providersim is an in-memory stand-in for the chat-provider
// backend. It serves the REST contract and the push stream the engine
// consumes, for local development and end-to-end tests.
package providersim

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	mw "github.com/nfrund/carechat/internal/middleware"
	"github.com/nfrund/carechat/internal/reconcile"
	ws "github.com/nfrund/carechat/internal/websocket"
)

// Server is the simulated provider.
type Server struct {
	E *echo.Echo

	store  *Store
	hub    *ws.Hub
	logger *slog.Logger

	registry  *prometheus.Registry
	now       func() time.Time
	duplicate bool
	rps       float64
	burst     int
	hubOnce   sync.Once
}

const (
	defaultRPS   = 50
	defaultBurst = 100
)

// Option configures a Server.
type Option func(*Server)

// WithRegistry exposes request metrics on /metrics from reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithClock stamps stored messages with now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithDuplicateDelivery pushes every event twice, exercising at-least-once
// delivery on the client.
func WithDuplicateDelivery() Option {
	return func(s *Server) { s.duplicate = true }
}

// WithRateLimit throttles each client IP on the REST routes.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rps = rps
		s.burst = burst
	}
}

// New creates a Server with its routes registered.
func New(opts ...Option) *Server {
	s := &Server{
		hub:    ws.NewHub(),
		logger: slog.Default().With("component", "providersim"),
		now:    time.Now,
		rps:    defaultRPS,
		burst:  defaultBurst,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.store = NewStore(s.now)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover(), middleware.RequestID(), mw.Logger)
	if s.registry != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Subsystem:  "providersim",
			Registerer: s.registry,
			Skipper: func(c echo.Context) bool {
				return strings.HasPrefix(c.Path(), "/stream")
			},
		}))
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
			Gatherer: s.registry,
		}))
	}
	s.E = e
	s.registerRoutes()
	return s
}

// Store exposes the backing store, mainly for seeding.
func (s *Server) Store() *Store {
	return s.store
}

// Hub exposes the push-stream hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Start runs the stream hub until ctx ends. It must be called before
// stream clients connect.
func (s *Server) Start(ctx context.Context) {
	s.hubOnce.Do(func() {
		go s.hub.Run(ctx)
	})
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Provider simulator listening", "addr", addr)
		if err := s.E.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.E.Shutdown(shutdownCtx)
}

func (s *Server) registerRoutes() {
	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	s.E.GET("/stream", s.hub.Handler())

	g := s.E.Group("/channels", mw.RateLimiter(s.rps, s.burst))
	g.POST("", s.createChannel)
	g.GET("/:id", s.getChannel)
	g.GET("/:id/messages", s.listMessages)
	g.POST("/:id/messages", s.sendMessage)
	g.PUT("/:id/close", s.closeChannel)
	g.POST("/:id/read", s.markRead)
	g.POST("/:id/typing", s.typing)
}

// broadcast pushes ev to every participant of its channel.
func (s *Server) broadcast(ev reconcile.Event) {
	frame, err := reconcile.Encode(ev)
	if err != nil {
		s.logger.Error("Failed to encode event", "type", ev.Type, "error", err)
		return
	}
	for _, id := range s.store.Participants(ev.ChannelID) {
		s.hub.SendDirect(id, frame)
		if s.duplicate {
			s.hub.SendDirect(id, frame)
		}
	}
}
