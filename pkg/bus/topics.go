package bus

// Topic namespace prefixes.
const (
	sessionPrefix = "session:"
	videoPrefix   = "video:"
	userPrefix    = "user:"
	notePrefix    = "note:"
	jobsPrefix    = "jobs:"
)

// SessionTopic carries private session events: state transitions,
// transcripts, note drafts, backpressure, recovery markers.
func SessionTopic(sessionID string) string {
	return sessionPrefix + sessionID
}

// VideoTopic carries note creations and updates for one video; typically
// multi-subscriber (side panel plus automation workers).
func VideoTopic(videoID string) string {
	return videoPrefix + videoID
}

// UserTopic carries global per-user notifications (auth issues, system
// errors).
func UserTopic(userID string) string {
	return userPrefix + userID
}

// NoteTopic carries per-note posting pipeline progress.
func NoteTopic(noteID string) string {
	return notePrefix + noteID
}

// JobsTopic is the internal channel the dispatcher uses to hand job status
// back to a session actor. Not exposed to gateway clients.
func JobsTopic(sessionID string) string {
	return jobsPrefix + sessionID
}
