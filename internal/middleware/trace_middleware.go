package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"experimenter/business/lifecycle"
)

// TraceID propagates the caller's request id, or a fresh one, into the
// request context so change log entries can be correlated with requests.
func TraceID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, id)

			req := c.Request()
			c.SetRequest(req.WithContext(lifecycle.WithTraceID(req.Context(), id)))
			return next(c)
		}
	}
}
