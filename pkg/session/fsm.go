package session

import "github.com/sotto-labs/sotto/pkg/models"

// transitions is the session state graph. Every status may return to
// idle directly because a video context switch resets the session from
// anywhere; all other edges are explicit.
var transitions = map[models.SessionStatus]map[models.SessionStatus]bool{
	models.SessionIdle: {
		models.SessionListening:   true, // audio stream opens
		models.SessionStructuring: true, // client transcript skips transcription
	},
	models.SessionListening: {
		models.SessionTranscribing: true, // stream end or buffer bound
		models.SessionStructuring:  true, // client transcript wins the race
		models.SessionIdle:         true,
	},
	models.SessionTranscribing: {
		models.SessionStructuring: true,
		models.SessionCancelling:  true,
		models.SessionError:       true,
		models.SessionIdle:        true,
	},
	models.SessionStructuring: {
		models.SessionConfirming: true,
		models.SessionCancelling: true,
		models.SessionError:      true,
		models.SessionIdle:       true, // result below the confidence floor
	},
	models.SessionConfirming: {
		models.SessionIdle:          true, // grace elapsed, note firmed
		models.SessionCancelling:    true,
		models.SessionExecutingTool: true, // auto-post or explicit post
	},
	models.SessionExecutingTool: {
		models.SessionIdle: true, // job reached a terminal status
	},
	models.SessionCancelling: {
		models.SessionIdle: true,
	},
	models.SessionError: {
		models.SessionIdle: true,
	},
}

func canTransition(from, to models.SessionStatus) bool {
	return transitions[from][to]
}
