package api

import (
	echo "github.com/labstack/echo/v5"
)

// Hardening headers stamped on every REST response. Permissions-Policy
// leaves the microphone usable: capture clients record from this origin.
var securityHeaderSet = map[string]string{
	"X-Frame-Options":        "DENY",
	"X-Content-Type-Options": "nosniff",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
	"Permissions-Policy":     "camera=(), geolocation=()",
}

func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			for name, value := range securityHeaderSet {
				h.Set(name, value)
			}
			return next(c)
		}
	}
}
