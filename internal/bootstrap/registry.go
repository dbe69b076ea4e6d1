// Package bootstrap builds runtime components from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/codebuildervaibhav/scribber/internal/config"
	"github.com/codebuildervaibhav/scribber/internal/provider"
	"github.com/codebuildervaibhav/scribber/internal/provider/mock"
	"github.com/codebuildervaibhav/scribber/internal/summarization"
	"github.com/codebuildervaibhav/scribber/internal/transcription"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

const defaultMockText = "This is a mock transcription produced without calling any provider."

// BuildRegistry creates an adapter for every configured provider. A provider
// whose credentials are missing is skipped with a warning so the service can
// still start with the rest. The returned closers release adapter
// connections.
func BuildRegistry(ctx context.Context, cfg *config.Config, client *http.Client) (*provider.Registry, []io.Closer, error) {
	if client == nil {
		client = &http.Client{}
	}
	reg := provider.NewRegistry()
	var closers []io.Closer

	for _, pc := range cfg.Providers {
		info := provider.Info{ID: pc.ID, Type: pc.Type, Model: pc.Model, Timeout: pc.Timeout}
		kind := types.StageKind(pc.Kind)

		var err error
		switch kind {
		case types.StageKindTranscription:
			var t provider.Transcriber
			t, err = newTranscriber(ctx, pc, client)
			if err == nil {
				if c, ok := t.(io.Closer); ok {
					closers = append(closers, c)
				}
				err = reg.RegisterTranscriber(info, t)
			}
		case types.StageKindSummarization:
			var s provider.Summarizer
			s, err = newSummarizer(pc, client)
			if err == nil {
				err = reg.RegisterSummarizer(info, s)
			}
		default:
			err = fmt.Errorf("unknown kind %q", pc.Kind)
		}

		if err != nil {
			log.Warn().Err(err).Str("provider", pc.ID).Str("type", pc.Type).Msg("Provider not available")
			continue
		}
		log.Info().Str("provider", pc.ID).Str("kind", pc.Kind).Str("type", pc.Type).Msg("Provider registered")
	}

	if len(reg.List()) == 0 {
		closeAll(closers)
		return nil, nil, fmt.Errorf("no provider could be initialized")
	}
	return reg, closers, nil
}

func newTranscriber(ctx context.Context, pc config.ProviderConfig, client *http.Client) (provider.Transcriber, error) {
	switch pc.Type {
	case config.TypeOpenAIWhisper:
		return transcription.NewWhisperTranscriber(transcription.WhisperConfig{
			ID: pc.ID, APIKey: pc.APIKey, Model: pc.Model, Endpoint: pc.Endpoint, Language: pc.Language,
		}, client)
	case config.TypeElevenLabs:
		return transcription.NewElevenLabsTranscriber(transcription.ElevenLabsConfig{
			ID: pc.ID, APIKey: pc.APIKey, Model: pc.Model, Endpoint: pc.Endpoint, Language: pc.Language,
		}, client)
	case config.TypeGoogleSTT:
		return transcription.NewGoogleTranscriber(ctx, transcription.GoogleConfig{
			ID: pc.ID, CredentialsFile: pc.CredentialsFile, APIKey: pc.APIKey, Model: pc.Model, Language: pc.Language,
		})
	case config.TypeMock:
		text := pc.Text
		if text == "" {
			text = defaultMockText
		}
		return &mock.Transcriber{Text: text, Delay: pc.Delay}, nil
	default:
		return nil, fmt.Errorf("unknown transcription type %q", pc.Type)
	}
}

func newSummarizer(pc config.ProviderConfig, client *http.Client) (provider.Summarizer, error) {
	sc := summarization.Config{
		ID:        pc.ID,
		APIKey:    pc.APIKey,
		Model:     pc.Model,
		Endpoint:  pc.Endpoint,
		Style:     summarization.ParseStyle(pc.Style),
		MaxTokens: pc.MaxTokens,
		MaxWords:  pc.MaxWords,
	}
	switch pc.Type {
	case config.TypeOpenAIChat:
		return summarization.NewOpenAISummarizer(sc, client)
	case config.TypeAnthropic:
		return summarization.NewAnthropicSummarizer(sc, client)
	case config.TypeMock:
		return &mock.Summarizer{Text: pc.Text, Delay: pc.Delay}, nil
	default:
		return nil, fmt.Errorf("unknown summarization type %q", pc.Type)
	}
}

// CloseAll closes every closer, logging failures.
func CloseAll(closers []io.Closer) {
	closeAll(closers)
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close provider")
		}
	}
}
