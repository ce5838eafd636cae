package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/do/v2"

	"github.com/nfrund/carechat/internal/stream"
)

// runner is a long-lived background service.
type runner struct {
	name string
	run  func(ctx context.Context) error
}

// runners lists the background services Run starts. Add new ones here.
func (a *App) runners() ([]runner, error) {
	client, err := do.Invoke[*stream.Client](a.injector)
	if err != nil {
		return nil, err
	}
	out := []runner{{name: "stream", run: client.Run}}

	if a.cfg.MetricsAddr != "" {
		reg, err := do.Invoke[*prometheus.Registry](a.injector)
		if err != nil {
			return nil, err
		}
		out = append(out, runner{name: "metrics", run: func(ctx context.Context) error {
			return ServeMetrics(ctx, a.cfg.MetricsAddr, reg)
		}})
	}
	return out, nil
}

// NewMetricsServer returns an echo instance serving reg on /metrics.
func NewMetricsServer(reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: reg,
	}))
	return e
}

// ServeMetrics serves reg on addr until ctx is canceled.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	e := NewMetricsServer(reg)

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
