package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/sotto-labs/sotto/pkg/pipeline"
)

const defaultConfidence = 0.8

// OpenAIClient implements Client on the OpenAI speech-to-text API.
type OpenAIClient struct {
	client   oai.Client
	model    oai.AudioModel
	maxBytes int
}

var _ Client = (*OpenAIClient)(nil)

type config struct {
	baseURL  string
	maxBytes int
}

// Option is a functional option for OpenAIClient.
type Option func(*config)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithMaxBytes overrides the audio size bound.
func WithMaxBytes(n int) Option {
	return func(c *config) {
		c.maxBytes = n
	}
}

// NewOpenAIClient constructs a transcription client.
func NewOpenAIClient(apiKey, model string, opts ...Option) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("transcribe: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("transcribe: model must not be empty")
	}

	cfg := &config{maxBytes: MaxAudioBytes}
	for _, o := range opts {
		o(cfg)
	}

	// Retry scheduling lives in the Resilient wrapper; the SDK's own
	// retries would stack on top of it.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIClient{
		client:   oai.NewClient(reqOpts...),
		model:    oai.AudioModel(model),
		maxBytes: cfg.maxBytes,
	}, nil
}

// Transcribe implements Client.
func (c *OpenAIClient) Transcribe(ctx context.Context, req Request) (*Result, error) {
	if len(req.Audio) == 0 {
		return nil, pipeline.NewError("transcribe", pipeline.KindInvalidAudio, fmt.Errorf("empty audio buffer"))
	}
	if len(req.Audio) > c.maxBytes {
		return nil, pipeline.NewError("transcribe", pipeline.KindInvalidAudio,
			fmt.Errorf("audio buffer %d bytes exceeds limit %d", len(req.Audio), c.maxBytes))
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(req.Audio), audioFileName(req.ContentType), req.ContentType),
		Model: c.model,
	}
	if req.Language != "" {
		params.Language = param.NewOpt(req.Language)
	}
	if supportsLogprobs(string(c.model)) {
		params.Include = []oai.TranscriptionInclude{oai.TranscriptionIncludeLogprobs}
	}

	start := time.Now()
	tr, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, pipeline.FromOpenAI("transcribe", err, pipeline.KindInvalidAudio)
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return nil, pipeline.NewError("transcribe", pipeline.KindInvalidAudio, fmt.Errorf("no speech recognized"))
	}

	conf := confidenceFrom(tr)
	slog.Debug("transcription completed",
		"correlation_id", req.CorrelationID,
		"bytes", len(req.Audio),
		"chars", len(text),
		"confidence", conf,
		"duration", time.Since(start))

	return &Result{Text: text, Confidence: conf, Language: req.Language}, nil
}

// confidenceFrom derives a confidence from the mean token logprob when
// the model reports one; geometric-mean token probability maps cleanly
// into [0,1]. Models without logprobs get a fixed default.
func confidenceFrom(tr *oai.Transcription) float64 {
	if len(tr.Logprobs) == 0 {
		return defaultConfidence
	}
	var sum float64
	for _, lp := range tr.Logprobs {
		sum += lp.Logprob
	}
	conf := math.Exp(sum / float64(len(tr.Logprobs)))
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

// supportsLogprobs reports whether the model accepts include=logprobs.
// Only the gpt-4o transcription family does; whisper rejects it.
func supportsLogprobs(model string) bool {
	return strings.HasPrefix(model, "gpt-4o")
}

// audioFileName gives the multipart upload a filename whose extension
// matches the payload; the API sniffs format from it.
func audioFileName(contentType string) string {
	switch contentType {
	case "audio/webm":
		return "clip.webm"
	case "audio/ogg":
		return "clip.ogg"
	case "audio/wav", "audio/x-wav":
		return "clip.wav"
	case "audio/mpeg", "audio/mp3":
		return "clip.mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "clip.m4a"
	case "audio/flac":
		return "clip.flac"
	default:
		return "clip.webm"
	}
}
