package config

import "time"

// PipelineConfig controls the speech-to-note pipeline: confidence
// gates, per-stage time budgets, and upstream call resilience.
type PipelineConfig struct {
	// ConfidenceHardFloor drops candidate notes below this confidence
	// before they are ever persisted.
	ConfidenceHardFloor float64 `yaml:"confidence_hard_floor"`

	// ConfidenceAutoPostThreshold marks notes at or above this
	// confidence eligible for the posting pipeline. Notes between the
	// floor and this threshold firm with a low-confidence flag.
	ConfidenceAutoPostThreshold float64 `yaml:"confidence_auto_post_threshold"`

	// SiblingHintLimit is how many nearby notes on the same video are
	// offered to the structuring prompt as context. Zero disables hints.
	SiblingHintLimit int `yaml:"sibling_hint_limit"`

	// Transcription and Structuring bound the two upstream stages.
	Transcription *StageBudget `yaml:"transcription"`
	Structuring   *StageBudget `yaml:"structuring"`

	Breaker *BreakerSettings `yaml:"breaker"`
	Retry   *RetrySettings   `yaml:"retry"`

	OpenAI *OpenAIConfig `yaml:"openai"`
}

// StageBudget bounds one pipeline stage.
type StageBudget struct {
	// AttemptTimeout bounds a single upstream call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// OverallBudget bounds the stage across all retries.
	OverallBudget time.Duration `yaml:"overall_budget"`
}

// BreakerSettings configure the circuit breakers guarding upstream
// transcription and structuring calls. Each upstream gets its own
// breaker with these shared settings.
type BreakerSettings struct {
	// FailThreshold opens the breaker after this many consecutive
	// failures inside FailureWindow.
	FailThreshold int           `yaml:"fail_threshold"`
	FailureWindow time.Duration `yaml:"failure_window"`

	// HalfOpenAfter is how long an open breaker waits before letting
	// probe calls through.
	HalfOpenAfter time.Duration `yaml:"half_open_after"`

	// HalfOpenMax is the probe budget while half-open.
	HalfOpenMax int `yaml:"half_open_max"`
}

// RetrySettings configure exponential backoff for upstream calls.
type RetrySettings struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Factor      float64       `yaml:"factor"`
	JitterPct   int           `yaml:"jitter_pct"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// OpenAIConfig selects models and credentials for upstream calls.
type OpenAIConfig struct {
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the API endpoint, e.g. for a local proxy.
	BaseURL string `yaml:"base_url,omitempty"`

	TranscribeModel string `yaml:"transcribe_model"`
	StructureModel  string `yaml:"structure_model"`
	VisionModel     string `yaml:"vision_model"`
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		ConfidenceHardFloor:         0.25,
		ConfidenceAutoPostThreshold: 0.70,
		SiblingHintLimit:            3,
		Transcription: &StageBudget{
			AttemptTimeout: 30 * time.Second,
			OverallBudget:  60 * time.Second,
		},
		Structuring: &StageBudget{
			AttemptTimeout: 15 * time.Second,
			OverallBudget:  30 * time.Second,
		},
		Breaker: &BreakerSettings{
			FailThreshold: 5,
			FailureWindow: 30 * time.Second,
			HalfOpenAfter: 10 * time.Second,
			HalfOpenMax:   3,
		},
		Retry: &RetrySettings{
			BaseDelay:   200 * time.Millisecond,
			Factor:      2,
			JitterPct:   25,
			Cap:         10 * time.Second,
			MaxAttempts: 4,
		},
		OpenAI: &OpenAIConfig{
			APIKeyEnv:       "OPENAI_API_KEY",
			TranscribeModel: "whisper-1",
			StructureModel:  "gpt-4o-mini",
			VisionModel:     "gpt-4o",
		},
	}
}
