package summarization

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/scribber/internal/provider"
)

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(StyleBrief, "the transcript", 50)
	assert.Contains(t, p, "2-3 sentence")
	assert.Contains(t, p, "the transcript")
	assert.Contains(t, p, "under 50 words")

	assert.Equal(t, StyleBulletPoints, ParseStyle("Bullet_Points"))
	assert.Equal(t, StyleProfessional, ParseStyle("haiku"))
	assert.Contains(t, BuildPrompt(Style("nope"), "x", 0), "professional summary")
}

func TestOpenAISummarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Contains(t, req.Messages[1].Content, "we agreed to ship")

		_, _ = io.WriteString(w, `{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":" Ship it. "}}],
			"usage":{"prompt_tokens":1000000,"completion_tokens":1000000}}`)
	}))
	defer srv.Close()

	s, err := NewOpenAISummarizer(Config{ID: "gpt", APIKey: "sk", Endpoint: srv.URL}, srv.Client())
	require.NoError(t, err)

	out, err := s.Summarize(context.Background(), "we agreed to ship")
	require.NoError(t, err)
	assert.Equal(t, "Ship it.", out.Text)
	assert.InDelta(t, 0.75, s.EstimateCost(provider.Usage{InputTokens: out.InputTokens, OutputTokens: out.OutputTokens}), 1e-9)
}

func TestOpenAIEmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	s, err := NewOpenAISummarizer(Config{APIKey: "sk", Endpoint: srv.URL}, srv.Client())
	require.NoError(t, err)
	_, err = s.Summarize(context.Background(), "x")
	assert.Equal(t, provider.Unknown, provider.CategoryOf(err))
}

func TestAnthropicSummarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 4000, req.MaxTokens)
		assert.NotEmpty(t, req.System)

		_, _ = io.WriteString(w, `{"content":[{"type":"text","text":"Summary."}],"usage":{"input_tokens":10,"output_tokens":3}}`)
	}))
	defer srv.Close()

	s, err := NewAnthropicSummarizer(Config{ID: "claude", APIKey: "ak", Endpoint: srv.URL}, srv.Client())
	require.NoError(t, err)

	out, err := s.Summarize(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, "Summary.", out.Text)
	assert.Equal(t, "claude-3-5-sonnet-20241022", out.Model)
	assert.Equal(t, 10, out.InputTokens)
}

func TestAnthropicRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s, err := NewAnthropicSummarizer(Config{APIKey: "ak", Endpoint: srv.URL}, srv.Client())
	require.NoError(t, err)
	_, err = s.Summarize(context.Background(), "text")
	assert.Equal(t, provider.RateLimited, provider.CategoryOf(err))
}
