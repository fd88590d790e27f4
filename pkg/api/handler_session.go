package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/session"
)

// ensureSessionHandler handles POST /api/v1/sessions.
// Creating an existing session reattaches it, so the call is idempotent.
func (s *Server) ensureSessionHandler(c *echo.Context) error {
	var req EnsureSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Identity may come from the body or from the proxy headers.
	if req.UserID == "" || req.DeviceID == "" {
		p := extractPrincipal(c)
		if req.UserID == "" {
			req.UserID = p.UserID
		}
		if req.DeviceID == "" {
			req.DeviceID = p.DeviceID
		}
	}

	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	view, err := s.sessions.Ensure(c.Request().Context(), session.CreateParams{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		DeviceID:  req.DeviceID,
		VideoID:   req.VideoID,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, view)
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	opts := models.SessionListOpts{Limit: 50}

	opts.UserID = c.QueryParam("user_id")
	opts.VideoID = c.QueryParam("video_id")

	if v := c.QueryParam("active_since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid active_since: must be RFC3339")
		}
		opts.ActiveSince = t
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			opts.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	views, err := s.sessions.List(c.Request().Context(), opts)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, views)
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	view, err := s.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, view)
}

// cancelSessionHandler handles POST /api/v1/sessions/:id/cancel.
func (s *Server) cancelSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	req := CancelSessionRequest{Scope: string(session.CancelAllInflight)}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if req.Scope == "" {
			req.Scope = string(session.CancelAllInflight)
		}
	}

	scope := session.CancelScope(req.Scope)
	switch scope {
	case session.CancelCurrentNote, session.CancelAllInflight:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid scope: must be current_note or all_inflight")
	}

	if err := s.sessions.Cancel(c.Request().Context(), sessionID, scope); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &CancelResponse{
		SessionID: sessionID,
		Scope:     string(scope),
		Message:   "cancellation delivered",
	})
}
