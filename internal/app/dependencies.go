// Package app wires the engine's services together. Every service is
// registered with a do injector so each command builds only what it uses
// and shutdown runs in reverse dependency order.
package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/do/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/carechat/internal/config"
	"github.com/nfrund/carechat/internal/domain"
	"github.com/nfrund/carechat/internal/i18n"
	"github.com/nfrund/carechat/internal/lifecycle"
	"github.com/nfrund/carechat/internal/metrics"
	"github.com/nfrund/carechat/internal/provider"
	"github.com/nfrund/carechat/internal/providersim"
	"github.com/nfrund/carechat/internal/pubsub"
	"github.com/nfrund/carechat/internal/session"
	"github.com/nfrund/carechat/internal/stream"
)

// Tracing owns the bus tracer and flushes it on shutdown.
type Tracing struct {
	Tracer  trace.Tracer
	cleanup func()
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown() {
	if t.cleanup != nil {
		t.cleanup()
	}
}

// NewInjector registers every service for cfg. Nothing is constructed until
// it is first invoked.
func NewInjector(cfg *config.Config) *do.RootScope {
	i := do.New()
	do.ProvideValue(i, cfg)
	do.Provide(i, provideRegistry)
	do.Provide(i, provideMetrics)
	do.Provide(i, provideTracing)
	do.Provide(i, provideBus)
	do.Provide(i, provideRenderer)
	do.Provide(i, provideProviderClient)
	do.Provide(i, provideStreamClient)
	do.Provide(i, provideSessionManager)
	do.Provide(i, provideSimulator)
	return i
}

func provideRegistry(i do.Injector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, nil
}

func provideMetrics(i do.Injector) (*metrics.Metrics, error) {
	reg := do.MustInvoke[*prometheus.Registry](i)
	return metrics.New(reg), nil
}

func provideTracing(i do.Injector) (*Tracing, error) {
	tracer, cleanup, err := pubsub.SetupOTel(context.Background(), pubsub.LoadTracingConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	return &Tracing{Tracer: tracer, cleanup: cleanup}, nil
}

func provideBus(i do.Injector) (*pubsub.WatermillBridge, error) {
	tracing := do.MustInvoke[*Tracing](i)
	return pubsub.NewWatermillBridge(pubsub.WithTracer(tracing.Tracer)), nil
}

func provideRenderer(i do.Injector) (*i18n.Renderer, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return i18n.NewRenderer(cfg.Locale)
}

func provideProviderClient(i do.Injector) (*provider.Client, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return provider.NewClient(cfg.ProviderURL, cfg.HTTPTimeout), nil
}

func provideStreamClient(i do.Injector) (*stream.Client, error) {
	cfg := do.MustInvoke[*config.Config](i)
	bus := do.MustInvoke[*pubsub.WatermillBridge](i)
	m := do.MustInvoke[*metrics.Metrics](i)

	streamURL, err := StreamURL(cfg)
	if err != nil {
		return nil, err
	}
	return stream.New(streamURL, cfg.ParticipantID, bus, stream.WithMetrics(m))
}

func provideSessionManager(i do.Injector) (*session.Manager, error) {
	cfg := do.MustInvoke[*config.Config](i)
	client := do.MustInvoke[*provider.Client](i)
	bus := do.MustInvoke[*pubsub.WatermillBridge](i)
	m := do.MustInvoke[*metrics.Metrics](i)
	renderer := do.MustInvoke[*i18n.Renderer](i)

	return session.NewManager(client, bus, SessionConfig(cfg),
		session.WithMetrics(m),
		session.WithRenderer(renderer),
	), nil
}

func provideSimulator(i do.Injector) (*providersim.Server, error) {
	cfg := do.MustInvoke[*config.Config](i)
	reg := do.MustInvoke[*prometheus.Registry](i)

	opts := []providersim.Option{providersim.WithRegistry(reg)}
	if cfg.SimDuplicateDelivery {
		opts = append(opts, providersim.WithDuplicateDelivery())
	}
	return providersim.New(opts...), nil
}

// SessionConfig maps cfg onto the per-session policy.
func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Viewer: lifecycle.Actor{
			ID:   cfg.ParticipantID,
			Role: domain.Role(cfg.Role),
		},
		FloodWindow:        cfg.FloodWindow,
		FloodThreshold:     cfg.FloodThreshold,
		FloodCooldown:      cfg.FloodCooldown,
		TypingTTL:          cfg.TypingTTL,
		TypingSendInterval: cfg.TypingSendInterval,
		AckTimeout:         cfg.HTTPTimeout,
	}
}

// StreamURL returns the configured stream endpoint, or the provider's
// /stream endpoint over ws(s) when none is set.
func StreamURL(cfg *config.Config) (string, error) {
	if cfg.StreamURL != "" {
		return cfg.StreamURL, nil
	}
	u, err := url.Parse(cfg.ProviderURL)
	if err != nil {
		return "", fmt.Errorf("parse provider url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/stream"
	return u.String(), nil
}
