package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/do/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nfrund/carechat/internal/config"
	"github.com/nfrund/carechat/internal/session"
)

// App runs the channel engine for one local participant.
type App struct {
	cfg      *config.Config
	injector *do.RootScope
	logger   *slog.Logger
}

// New creates an App for cfg. Services are built lazily by Run and
// Sessions.
func New(cfg *config.Config) *App {
	return &App{
		cfg:      cfg,
		injector: NewInjector(cfg),
		logger:   slog.Default().With("component", "app", "participant_id", cfg.ParticipantID),
	}
}

// Injector exposes the service container.
func (a *App) Injector() do.Injector {
	return a.injector
}

// Sessions returns the session manager.
func (a *App) Sessions() (*session.Manager, error) {
	return do.Invoke[*session.Manager](a.injector)
}

// Run starts the session manager and every background service, then blocks
// until ctx is canceled or a service fails.
func (a *App) Run(ctx context.Context) error {
	manager, err := a.Sessions()
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}

	runners, err := a.runners()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			a.logger.Info("Starting service", "service", r.name)
			if err := r.run(ctx); err != nil {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops every service that was built, dependents first.
func (a *App) Shutdown() {
	a.injector.Shutdown()
	a.logger.Info("Shutdown complete")
}
