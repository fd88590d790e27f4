package structure

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/sotto-labs/sotto/pkg/pipeline"
)

const systemPrompt = `You turn raw spoken commentary from a video review into a single structured note.
Respond with a JSON object and nothing else:
{"text": "<cleaned note text>", "category": "<short lowercase category>", "confidence": <number 0..1>, "rationale": "<one short sentence, optional>"}
Rules:
- "text" rewrites the utterance as a concise reviewer note. Keep names, shot references, and timecodes intact.
- "category" is one or two lowercase words such as "pacing", "audio", "visuals", "script", "continuity", "other".
- "confidence" is how clearly the utterance expresses one actionable note; filler or chatter scores low.
- Match the terminology of the earlier notes when they are provided.
- Never invent content that is not in the transcript.`

const maxCategoryLen = 32

// OpenAIClient implements Client on the OpenAI chat completions API.
type OpenAIClient struct {
	client oai.Client
	model  shared.ChatModel
}

var _ Client = (*OpenAIClient)(nil)

type config struct {
	baseURL string
}

// Option is a functional option for OpenAIClient.
type Option func(*config)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// NewOpenAIClient constructs a structuring client.
func NewOpenAIClient(apiKey, model string, opts ...Option) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("structure: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("structure: model must not be empty")
	}

	cfg := &config{}
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
		client: oai.NewClient(reqOpts...),
		model:  shared.ChatModel(model),
	}, nil
}

// Structure implements Client.
func (c *OpenAIClient) Structure(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Transcript) == "" {
		return nil, pipeline.NewError("structure", pipeline.KindInvalidInput, fmt.Errorf("empty transcript"))
	}

	params := oai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(buildUserPrompt(req)),
		},
		Temperature: param.NewOpt(0.2),
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, pipeline.FromOpenAI("structure", err, pipeline.KindInvalidInput)
	}
	if len(resp.Choices) == 0 {
		return nil, pipeline.NewError("structure", pipeline.KindUpstream, fmt.Errorf("empty choices in response"))
	}

	result, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		// Malformed model output is worth another attempt.
		return nil, pipeline.NewError("structure", pipeline.KindUpstream, err)
	}

	slog.Debug("structuring completed",
		"correlation_id", req.CorrelationID,
		"category", result.Category,
		"confidence", result.Confidence,
		"duration", time.Since(start))

	return result, nil
}

func buildUserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Video timestamp: %.1fs\n", req.VideoTimestamp)

	if len(req.VisualContext) > 0 {
		if vc, err := json.Marshal(req.VisualContext); err == nil {
			b.WriteString("Visual context: ")
			b.Write(vc)
			b.WriteByte('\n')
		}
	}

	if len(req.SiblingHints) > 0 {
		b.WriteString("Earlier notes in this video:\n")
		for _, h := range req.SiblingHints {
			fmt.Fprintf(&b, "- [%s] %s\n", h.Category, h.Text)
		}
	}

	b.WriteString("Transcript:\n")
	b.WriteString(req.Transcript)
	return b.String()
}

// rawResult is the wire shape the model is instructed to produce.
type rawResult struct {
	Text       string   `json:"text"`
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

func parseResult(content string) (*Result, error) {
	content = trimCodeFence(content)

	var raw rawResult
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("malformed structuring output: %w", err)
	}

	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return nil, fmt.Errorf("structuring output has empty text")
	}
	category := normalizeCategory(raw.Category)
	if category == "" {
		return nil, fmt.Errorf("structuring output has empty category")
	}
	if raw.Confidence == nil {
		return nil, fmt.Errorf("structuring output has no confidence")
	}

	conf := *raw.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	return &Result{
		Text:       text,
		Category:   category,
		Confidence: conf,
		Rationale:  strings.TrimSpace(raw.Rationale),
	}, nil
}

func normalizeCategory(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	if len(category) > maxCategoryLen {
		category = category[:maxCategoryLen]
	}
	return category
}

// trimCodeFence strips a markdown fence when a model wraps its JSON in
// one despite the response format.
func trimCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
