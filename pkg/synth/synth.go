// Package synth turns aggregated domain data into a natural-language answer.
package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
)

const NoDataMessage = "No data was available from any of your accessible data sources to answer this question."

// Source is one domain's usable result.
type Source struct {
	Domain string          `json:"domain"`
	Data   json.RawMessage `json:"data"`
}

type Request struct {
	Query   string
	UserID  string
	Roles   []string
	Sources []Source
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (string, error)
}

// Summary is a deterministic synthesizer used when no model is configured.
type Summary struct{}

func (Summary) Synthesize(_ context.Context, req Request) (string, error) {
	if len(req.Sources) == 0 {
		return NoDataMessage, nil
	}
	sources := append([]Source(nil), req.Sources...)
	sort.Slice(sources, func(i, j int) bool { return sources[i].Domain < sources[j].Domain })
	var b strings.Builder
	fmt.Fprintf(&b, "Results for %q from %d data source(s):", req.Query, len(sources))
	for _, s := range sources {
		fmt.Fprintf(&b, "\n- %s: %s", s.Domain, describe(s.Data))
	}
	return b.String(), nil
}

func describe(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "unreadable result"
	}
	switch t := v.(type) {
	case []any:
		return fmt.Sprintf("%d record(s)", len(t))
	case map[string]any:
		if len(t) == 0 {
			return "no records"
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "fields " + strings.Join(keys, ", ")
	case nil:
		return "no records"
	default:
		return fmt.Sprint(t)
	}
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// OpenAI asks a chat-completion model to answer from the supplied context.
type OpenAI struct {
	client    chatClient
	model     string
	maxTokens int
	temp      float32
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &OpenAI{client: openai.NewClientWithConfig(oc), model: cfg.Model, maxTokens: cfg.MaxTokens, temp: cfg.Temperature}, nil
}

const systemPrompt = `You are an enterprise assistant. Answer the user's question using only the JSON context provided.
If the context is empty, say that no data was available. Never invent records.`

func (o *OpenAI) Synthesize(ctx context.Context, req Request) (string, error) {
	contextBlob, err := json.Marshal(req.Sources)
	if err != nil {
		return "", err
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		MaxTokens:   o.maxTokens,
		Temperature: o.temp,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Roles: %s\nContext: %s\n\nQuestion: %s", strings.Join(req.Roles, ","), contextBlob, req.Query)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// WithFallback answers with fallback when primary fails.
func WithFallback(primary, fallback Synthesizer, logger *slog.Logger) Synthesizer {
	return fallbackSynth{primary: primary, fallback: fallback, logger: logging.OrDiscard(logger)}
}

type fallbackSynth struct {
	primary, fallback Synthesizer
	logger            *slog.Logger
}

func (f fallbackSynth) Synthesize(ctx context.Context, req Request) (string, error) {
	out, err := f.primary.Synthesize(ctx, req)
	if err == nil {
		return out, nil
	}
	f.logger.Warn("synthesis failed, using fallback", "error", err)
	return f.fallback.Synthesize(ctx, req)
}
