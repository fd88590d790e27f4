package api

// EnsureSessionRequest is the body of POST /api/v1/sessions.
type EnsureSessionRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	VideoID   string `json:"video_id"`
}

// CancelSessionRequest is the optional body of POST /api/v1/sessions/:id/cancel.
// Scope defaults to all_inflight: the REST cancel is the operator's big
// hammer, per-note cancellation belongs to the WebSocket client.
type CancelSessionRequest struct {
	Scope string `json:"scope"`
}
