package transcription

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/provider"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

const defaultElevenLabsBase = "https://api.elevenlabs.io/v1"

// ElevenLabsConfig configures the ElevenLabs speech-to-text adapter.
type ElevenLabsConfig struct {
	ID       string
	APIKey   string
	Model    string
	Endpoint string
	Language string
}

// ElevenLabsTranscriber transcribes audio with the ElevenLabs scribe models.
type ElevenLabsTranscriber struct {
	id       string
	apiKey   string
	model    string
	endpoint string
	language string
	client   *http.Client
	logger   zerolog.Logger
}

// NewElevenLabsTranscriber creates a new ElevenLabs adapter.
func NewElevenLabsTranscriber(cfg ElevenLabsConfig, client *http.Client) (*ElevenLabsTranscriber, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "scribe_v1"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultElevenLabsBase
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabsTranscriber{
		id:       cfg.ID,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		language: cfg.Language,
		client:   client,
		logger:   logging.WithComponent("elevenlabs").With().Str("provider", cfg.ID).Logger(),
	}, nil
}

type elevenLabsResponse struct {
	Text         string           `json:"text"`
	LanguageCode string           `json:"language_code"`
	Words        []elevenLabsWord `json:"words"`
}

type elevenLabsWord struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Type  string  `json:"type"`
}

// Transcribe implements provider.Transcriber.
func (et *ElevenLabsTranscriber) Transcribe(ctx context.Context, audio provider.AudioSource) (*provider.Transcript, error) {
	body, contentType := multipartBody(map[string]string{
		"model_id":      et.model,
		"language_code": et.language,
	}, audio)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, et.endpoint+"/speech-to-text", body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("xi-api-key", et.apiKey)
	req.Header.Set("Content-Type", contentType)

	et.logger.Info().Str("model", et.model).Str("filename", audio.Filename).Msg("Sending audio to ElevenLabs")

	var out elevenLabsResponse
	if err := doJSON(et.client, req, et.id, &out); err != nil {
		return nil, err
	}

	var (
		duration float64
		segment  types.Segment
		words    []string
	)
	for _, w := range out.Words {
		if w.End > duration {
			duration = w.End
		}
		if w.Type == "spacing" {
			continue
		}
		if len(words) == 0 {
			segment.Start = w.Start
		}
		segment.End = w.End
		words = append(words, w.Text)
	}

	var segments []types.Segment
	if len(words) > 0 {
		segment.Text = strings.Join(words, " ")
		segments = []types.Segment{segment}
	}

	language := out.LanguageCode
	if language == "" {
		language = et.language
	}

	return &provider.Transcript{
		Text:            strings.TrimSpace(out.Text),
		Language:        language,
		DurationSeconds: duration,
		Segments:        segments,
	}, nil
}

// EstimateCost approximates ElevenLabs pricing at $0.0001 per character,
// assuming 150 words a minute and five characters a word.
func (et *ElevenLabsTranscriber) EstimateCost(u provider.Usage) float64 {
	chars := u.DurationSeconds / 60 * 150 * 5
	return chars * 0.0001
}
