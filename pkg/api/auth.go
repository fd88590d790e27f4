package api

import (
	echo "github.com/labstack/echo/v5"

	"github.com/sotto-labs/sotto/pkg/gateway"
)

// extractPrincipal reads the already-validated identity forwarded by the
// edge proxy. Token validation happens upstream; the engine only consumes
// the result. Priority: X-User-ID header > user_id query param, and the
// same for the device id.
func extractPrincipal(c *echo.Context) gateway.Principal {
	p := gateway.Principal{
		UserID:   c.Request().Header.Get("X-User-ID"),
		DeviceID: c.Request().Header.Get("X-Device-ID"),
	}
	if p.UserID == "" {
		p.UserID = c.QueryParam("user_id")
	}
	if p.DeviceID == "" {
		p.DeviceID = c.QueryParam("device_id")
	}
	return p
}
