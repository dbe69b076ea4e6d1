package summarization

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/provider"
)

const anthropicVersion = "2023-06-01"

// AnthropicSummarizer summarizes text with the Anthropic messages API.
type AnthropicSummarizer struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// NewAnthropicSummarizer creates a new Anthropic adapter.
func NewAnthropicSummarizer(cfg Config, client *http.Client) (*AnthropicSummarizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-sonnet-20241022"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.Style == "" {
		cfg.Style = StyleProfessional
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if client == nil {
		client = &http.Client{}
	}
	return &AnthropicSummarizer{
		cfg:    cfg,
		client: client,
		logger: logging.WithComponent("anthropic").With().Str("provider", cfg.ID).Logger(),
	}, nil
}

type messagesRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Summarize implements provider.Summarizer.
func (s *AnthropicSummarizer) Summarize(ctx context.Context, text string) (*provider.Summary, error) {
	payload := messagesRequest{
		Model:     s.cfg.Model,
		MaxTokens: s.cfg.MaxTokens,
		System:    systemPrompt,
		Messages: []chatMessage{
			{Role: "user", Content: BuildPrompt(s.cfg.Style, text, s.cfg.MaxWords)},
		},
	}

	var out messagesResponse
	if err := postJSON(ctx, s.client, s.cfg.ID, s.cfg.Endpoint+"/v1/messages", map[string]string{
		"x-api-key":         s.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}, payload, &out); err != nil {
		return nil, err
	}

	var parts []string
	for _, c := range out.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	summary := strings.TrimSpace(strings.Join(parts, "\n"))
	if summary == "" {
		return nil, provider.NewError(provider.Unknown, s.cfg.ID, "empty completion", nil)
	}

	s.logger.Info().
		Int("inputTokens", out.Usage.InputTokens).
		Int("outputTokens", out.Usage.OutputTokens).
		Msg("Summary generated")

	model := out.Model
	if model == "" {
		model = s.cfg.Model
	}
	return &provider.Summary{
		Text:         summary,
		Model:        model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}

// EstimateCost prices Claude models per million tokens.
func (s *AnthropicSummarizer) EstimateCost(u provider.Usage) float64 {
	in, out := 3.00, 15.00
	if strings.Contains(strings.ToLower(s.cfg.Model), "haiku") {
		in, out = 0.25, 1.25
	}
	return float64(u.InputTokens)/1e6*in + float64(u.OutputTokens)/1e6*out
}
