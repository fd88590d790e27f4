package models

import "time"

// EnsureSessionRequest creates or revives a session via the REST API.
type EnsureSessionRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	VideoID   string `json:"video_id,omitempty"`
}

// SessionFilters contains filtering options for listing sessions.
type SessionFilters struct {
	UserID      string     `json:"user_id,omitempty"`
	VideoID     string     `json:"video_id,omitempty"`
	ActiveSince *time.Time `json:"active_since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
	Offset      int        `json:"offset,omitempty"`
}

// SessionDetail joins the persisted session row with live actor state when
// the actor is resident on this node.
type SessionDetail struct {
	Session
	Resident     bool          `json:"resident"`
	ActorStatus  SessionStatus `json:"actor_status,omitempty"`
	MailboxDepth int           `json:"mailbox_depth,omitempty"`
}

// SessionListResponse contains a paginated session list.
type SessionListResponse struct {
	Sessions   []*Session `json:"sessions"`
	TotalCount int        `json:"total_count"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}

// NoteListResponse contains the ordered notes for a video.
type NoteListResponse struct {
	Notes []*Note `json:"notes"`
	Count int     `json:"count"`
}
