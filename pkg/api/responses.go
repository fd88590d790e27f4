package api

import (
	"github.com/sotto-labs/sotto/pkg/models"
)

// CancelResponse is returned by POST /api/v1/sessions/:id/cancel.
type CancelResponse struct {
	SessionID string `json:"session_id"`
	Scope     string `json:"scope"`
	Message   string `json:"message"`
}

// JobAcceptedResponse is returned by the note mutations that enqueue
// background work (refine, post).
type JobAcceptedResponse struct {
	Note *models.Note `json:"note"`
	Job  *models.Job  `json:"job"`
}

// HealthCheck is the status of a single component in HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status           string                 `json:"status"`
	Version          string                 `json:"version"`
	Checks           map[string]HealthCheck `json:"checks"`
	ResidentSessions int                    `json:"resident_sessions"`
	Connections      int                    `json:"connections"`
}
