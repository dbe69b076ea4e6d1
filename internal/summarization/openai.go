package summarization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/provider"
)

// Config configures a chat-based summarization adapter.
type Config struct {
	ID          string
	APIKey      string
	Model       string
	Endpoint    string
	Style       Style
	MaxTokens   int
	MaxWords    int
	Temperature float64
}

// OpenAISummarizer summarizes text with the OpenAI chat completions API.
type OpenAISummarizer struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// NewOpenAISummarizer creates a new OpenAI chat adapter.
func NewOpenAISummarizer(cfg Config, client *http.Client) (*OpenAISummarizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	if cfg.Style == "" {
		cfg.Style = StyleProfessional
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAISummarizer{
		cfg:    cfg,
		client: client,
		logger: logging.WithComponent("openai-chat").With().Str("provider", cfg.ID).Logger(),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Summarize implements provider.Summarizer.
func (s *OpenAISummarizer) Summarize(ctx context.Context, text string) (*provider.Summary, error) {
	payload := chatRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(s.cfg.Style, text, s.cfg.MaxWords)},
		},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}

	var out chatResponse
	if err := postJSON(ctx, s.client, s.cfg.ID, s.cfg.Endpoint+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + s.cfg.APIKey,
	}, payload, &out); err != nil {
		return nil, err
	}

	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return nil, provider.NewError(provider.Unknown, s.cfg.ID, "empty completion", nil)
	}

	s.logger.Info().
		Str("style", string(s.cfg.Style)).
		Int("promptTokens", out.Usage.PromptTokens).
		Int("completionTokens", out.Usage.CompletionTokens).
		Msg("Summary generated")

	model := out.Model
	if model == "" {
		model = s.cfg.Model
	}
	return &provider.Summary{
		Text:         strings.TrimSpace(out.Choices[0].Message.Content),
		Model:        model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

// EstimateCost prices OpenAI chat models per million tokens.
func (s *OpenAISummarizer) EstimateCost(u provider.Usage) float64 {
	in, out := 2.50, 10.00
	switch {
	case strings.HasPrefix(s.cfg.Model, "gpt-4o-mini"):
		in, out = 0.15, 0.60
	case strings.HasPrefix(s.cfg.Model, "gpt-3.5"):
		in, out = 0.50, 1.50
	}
	return float64(u.InputTokens)/1e6*in + float64(u.OutputTokens)/1e6*out
}

// postJSON sends body as JSON and decodes a 2xx response into out.
func postJSON(ctx context.Context, client *http.Client, providerID, url string, headers map[string]string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return provider.NewError(provider.Unavailable, providerID, err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.HTTPError(providerID, resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.NewError(provider.Unknown, providerID, "malformed response: "+err.Error(), err)
	}
	return nil
}
