package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

type loggerKey struct{}

// Logger gives every request a logger tagged with its request id, route and
// channel id, and logs the outcome at debug level. It reads the id set by
// middleware.RequestID, so it must come after it.
func Logger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		logger := slog.Default().With(requestAttrs(c)...)
		req := c.Request()
		c.SetRequest(req.WithContext(context.WithValue(req.Context(), loggerKey{}, logger)))

		start := time.Now()
		err := next(c)

		attrs := []any{"status", c.Response().Status, "duration", time.Since(start)}
		if err != nil {
			attrs = append(attrs, "error", err)
		}
		logger.Debug("Request handled", attrs...)
		return err
	}
}

func requestAttrs(c echo.Context) []any {
	attrs := []any{
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		"method", c.Request().Method,
		"route", c.Path(),
	}
	if id := c.Param("id"); id != "" {
		attrs = append(attrs, "channel_id", id)
	}
	return attrs
}

// FromContext returns the request's logger, or slog.Default outside a request.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
