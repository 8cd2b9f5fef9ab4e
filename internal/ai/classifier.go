package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nvela/flowd/pkg/schema"
)

const (
	defaultModel    = anthropic.ModelClaude3_5HaikuLatest
	classifyTokens  = 1024
	classifyTimeout = 30 * time.Second
	defaultIntent   = "query"
)

// Intents the classifier is allowed to return. Anything else is coerced to
// the default with low confidence rather than poisoning condition matching.
var knownIntents = map[string]bool{
	"urgent":    true,
	"complaint": true,
	"query":     true,
	"feedback":  true,
	"spam":      true,
}

const systemPrompt = `You classify the intent of an inbound message for a workflow automation system.

Respond with ONLY a JSON object, no prose, in exactly this shape:
{
  "intent": "<one of: urgent, complaint, query, feedback, spam>",
  "confidence": <number between 0 and 1>,
  "reasoning": "<one short sentence>",
  "keywords": ["<up to 5 signal words from the message>"],
  "urgency_score": <integer 1-10>
}

Guidelines:
- "urgent": time-critical problems, outages, deadlines, escalation language.
- "complaint": dissatisfaction, refund demands, broken promises.
- "query": questions, requests for information or help.
- "feedback": opinions, suggestions, praise.
- "spam": unsolicited promotion, phishing, gibberish.`

// Classification is the result of one classifier call, including the call
// accounting the audit record needs.
type Classification struct {
	schema.AIMetadata
	Model      string
	TokensUsed int64
	LatencyMs  int64
}

// Classifier turns free text into a structured intent.
type Classifier interface {
	Classify(ctx context.Context, text string) (*Classification, error)
}

// Unavailable is the classifier used when no API key is configured. Every
// call fails, which the engine records as a failed ai_analysis step and a
// false condition.
type Unavailable struct{}

func (Unavailable) Classify(context.Context, string) (*Classification, error) {
	return nil, schema.NewError(schema.ErrCodeClassifier, "no intent classifier configured")
}

// AnthropicClassifier calls the Anthropic Messages API.
type AnthropicClassifier struct {
	client anthropic.Client
	model  anthropic.Model
	logger *slog.Logger
}

// NewAnthropicClassifier builds a classifier. model may be empty to use the
// default; baseURL may be empty for the public API.
func NewAnthropicClassifier(apiKey, model, baseURL string, logger *slog.Logger) *AnthropicClassifier {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	m := defaultModel
	if model != "" {
		m = anthropic.Model(model)
	}
	return &AnthropicClassifier{
		client: anthropic.NewClient(opts...),
		model:  m,
		logger: logger,
	}
}

func (c *AnthropicClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: classifyTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeClassifier, "intent classification call failed").WithCause(err)
	}

	var raw strings.Builder
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			raw.WriteString(b.Text)
		}
	}

	meta, err := parseClassification(raw.String())
	if err != nil {
		c.logger.Warn("classifier returned unparseable output", "model", string(c.model), "error", err)
		return nil, err
	}

	return &Classification{
		AIMetadata: *meta,
		Model:      string(msg.Model),
		TokensUsed: msg.Usage.InputTokens + msg.Usage.OutputTokens,
		LatencyMs:  latency,
	}, nil
}

// parseClassification extracts the JSON object from model output, tolerating
// markdown code fences, and normalizes the fields.
func parseClassification(raw string) (*schema.AIMetadata, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	// The model occasionally wraps the object in prose despite instructions.
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	if j := strings.LastIndex(s, "}"); j >= 0 {
		s = s[:j+1]
	}

	var meta schema.AIMetadata
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return nil, schema.NewError(schema.ErrCodeClassifier, "classifier output is not valid JSON").WithCause(err)
	}

	meta.Intent = strings.ToLower(strings.TrimSpace(meta.Intent))
	if !knownIntents[meta.Intent] {
		meta.Intent = defaultIntent
		meta.Confidence = 0
	}
	if meta.Confidence < 0 {
		meta.Confidence = 0
	}
	if meta.Confidence > 1 {
		meta.Confidence = 1
	}
	if meta.UrgencyScore < 0 {
		meta.UrgencyScore = 0
	}
	if meta.UrgencyScore > 10 {
		meta.UrgencyScore = 10
	}
	if len(meta.Keywords) > 5 {
		meta.Keywords = meta.Keywords[:5]
	}
	return &meta, nil
}
