package api

import (
	"errors"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/fraware/accountabilitylayer/pkg/metrics"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requestMetrics returns middleware that counts requests and observes their
// latency per method.
func requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			status := 0
			if resp, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
				status = resp.Status
			}
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				status = httpErr.Code
			}

			method := c.Request().Method
			metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
