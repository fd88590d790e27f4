package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sotto-labs/sotto/pkg/checkpoint"
	"github.com/sotto-labs/sotto/pkg/dispatch"
	"github.com/sotto-labs/sotto/pkg/notestore"
	"github.com/sotto-labs/sotto/pkg/session"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, checkpoint.ErrNotFound),
		errors.Is(err, notestore.ErrNotFound),
		errors.Is(err, dispatch.ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, notestore.ErrNotPostable):
		return echo.NewHTTPError(http.StatusConflict, "note is not in a postable state")
	case errors.Is(err, notestore.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, "note status does not admit this operation")
	case errors.Is(err, session.ErrMailboxFull):
		return echo.NewHTTPError(http.StatusTooManyRequests, "session is overloaded, retry later")
	case errors.Is(err, session.ErrStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session is restarting, retry")
	}

	// Unexpected error
	slog.Error("unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
