package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimiter limits each client IP to rps requests per second with bursts
// of up to burst requests. Denied requests get a JSON 429.
func RateLimiter(rps float64, burst int) echo.MiddlewareFunc {
	config := middleware.RateLimiterConfig{
		// In-memory store; fine for a single simulator instance.
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(rps),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			FromContext(c.Request().Context()).Warn("Request throttled", "client", identifier)
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"code":    "rate_limited",
				"message": "Too many requests. Please try again later.",
			})
		},
	}
	return middleware.RateLimiterWithConfig(config)
}
