package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler handles GET /ws: upgrades the connection and hands it to the
// gateway, which serves it until the peer disconnects.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.gateway == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "websocket not available")
	}

	p := extractPrincipal(c)
	sessionID := c.QueryParam("session_id")
	videoID := c.QueryParam("video_id")

	// Same-host origins are always accepted; the config may allow more
	// (browser clients served from another host in development).
	sock, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		return err
	}

	// The gateway owns the socket from here; it has already sent the
	// appropriate close frame when HandleConnection returns an error.
	if err := s.gateway.HandleConnection(c.Request().Context(), sock, p, sessionID, videoID); err != nil {
		slog.Debug("websocket connection rejected", "session_id", sessionID, "error", err)
	}
	return nil
}
