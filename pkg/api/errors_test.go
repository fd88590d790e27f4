package api

import (
	"fmt"
	"net/http"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"

	"github.com/sotto-labs/sotto/pkg/checkpoint"
	"github.com/sotto-labs/sotto/pkg/dispatch"
	"github.com/sotto-labs/sotto/pkg/notestore"
	"github.com/sotto-labs/sotto/pkg/session"
)

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expectCode int
		expectMsg  string
	}{
		{
			name:       "missing session maps to 404",
			err:        fmt.Errorf("wrapped: %w", checkpoint.ErrNotFound),
			expectCode: http.StatusNotFound,
			expectMsg:  "resource not found",
		},
		{
			name:       "missing note maps to 404",
			err:        notestore.ErrNotFound,
			expectCode: http.StatusNotFound,
			expectMsg:  "resource not found",
		},
		{
			name:       "missing job maps to 404",
			err:        dispatch.ErrJobNotFound,
			expectCode: http.StatusNotFound,
			expectMsg:  "resource not found",
		},
		{
			name:       "not postable maps to 409",
			err:        fmt.Errorf("%w: status archived", notestore.ErrNotPostable),
			expectCode: http.StatusConflict,
			expectMsg:  "not in a postable state",
		},
		{
			name:       "invalid transition maps to 409",
			err:        notestore.ErrInvalidTransition,
			expectCode: http.StatusConflict,
			expectMsg:  "does not admit",
		},
		{
			name:       "mailbox full maps to 429",
			err:        session.ErrMailboxFull,
			expectCode: http.StatusTooManyRequests,
			expectMsg:  "overloaded",
		},
		{
			name:       "stopped actor maps to 503",
			err:        session.ErrStopped,
			expectCode: http.StatusServiceUnavailable,
			expectMsg:  "restarting",
		},
		{
			name:       "unknown error maps to 500",
			err:        fmt.Errorf("something unexpected happened"),
			expectCode: http.StatusInternalServerError,
			expectMsg:  "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := mapServiceError(tt.err)
			assert.IsType(t, &echo.HTTPError{}, he)
			assert.Equal(t, tt.expectCode, he.Code)
			assert.Contains(t, he.Error(), tt.expectMsg)
		})
	}
}
