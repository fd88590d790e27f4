package models

import "time"

// SessionStatus is the state of a session actor's pipeline machine.
type SessionStatus string

// Session status values. None are terminal: the actor recovers to idle
// after errors and hibernates rather than terminating.
const (
	SessionIdle          SessionStatus = "idle"
	SessionListening     SessionStatus = "listening"
	SessionTranscribing  SessionStatus = "transcribing"
	SessionStructuring   SessionStatus = "structuring"
	SessionConfirming    SessionStatus = "confirming"
	SessionExecutingTool SessionStatus = "executing_tool"
	SessionCancelling    SessionStatus = "cancelling"
	SessionError         SessionStatus = "error"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionIdle, SessionListening, SessionTranscribing, SessionStructuring,
		SessionConfirming, SessionExecutingTool, SessionCancelling, SessionError:
		return true
	}
	return false
}

// Principal is the already-validated identity bound to a session. Token
// minting and cookie flow happen upstream; the engine only consumes this.
type Principal struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Session is the persisted row backing a review session.
type Session struct {
	ID           string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	VideoID      string    `json:"video_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// SessionListOpts filters and pages session listings.
type SessionListOpts struct {
	UserID      string
	VideoID     string
	ActiveSince time.Time
	Limit       int
	Offset      int
}

// Checkpoint is the periodic snapshot an actor persists for crash recovery.
// The audio buffer and visual context are deliberately excluded: in-flight
// pipeline work is considered lost across a restart.
type Checkpoint struct {
	SessionID        string        `json:"session_id"`
	Status           SessionStatus `json:"status"`
	VideoID          string        `json:"video_id"`
	VideoTimestamp   float64       `json:"video_timestamp_seconds"`
	Sequence         uint64        `json:"sequence"`
	LastTransitionAt time.Time     `json:"last_transition_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
