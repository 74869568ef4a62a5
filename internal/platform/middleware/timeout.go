package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/disclosure/internal/platform/apierror"
)

// RequestTimeout puts a deadline on the request context. Handlers and the
// stores they call observe it through ctx. A handler that gives up with a
// bare deadline error gets a 504.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				var he *echo.HTTPError
				if !errors.As(err, &he) {
					return apierror.New(http.StatusGatewayTimeout, "timeout", "request processing exceeded the allowed time limit")
				}
			}
			return err
		}
	}
}
