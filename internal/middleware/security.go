package middleware

import (
	"github.com/labstack/echo/v4"
)

// securityHeaders are added to every response that does not already carry them.
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "SAMEORIGIN",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// responses. Headers set by the upstream app take precedence. The headers
// are added just before the status line is written, since proxied bodies
// are streamed and the handler may commit the response long before it
// returns.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				h := res.Header()
				for k, v := range securityHeaders {
					if h.Get(k) == "" {
						h.Set(k, v)
					}
				}
			})
			return next(c)
		}
	}
}
