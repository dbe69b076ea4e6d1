package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/provider"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// WhisperConfig configures the OpenAI Whisper adapter.
type WhisperConfig struct {
	ID       string
	APIKey   string
	Model    string
	Endpoint string
	Language string
}

// WhisperTranscriber transcribes audio with the OpenAI audio API.
type WhisperTranscriber struct {
	id       string
	apiKey   string
	model    string
	endpoint string
	language string
	client   *http.Client
	logger   zerolog.Logger
}

// NewWhisperTranscriber creates a new Whisper adapter.
func NewWhisperTranscriber(cfg WhisperConfig, client *http.Client) (*WhisperTranscriber, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("whisper: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultOpenAIBase
	}
	if client == nil {
		client = &http.Client{}
	}
	return &WhisperTranscriber{
		id:       cfg.ID,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		language: cfg.Language,
		client:   client,
		logger:   logging.WithComponent("whisper").With().Str("provider", cfg.ID).Logger(),
	}, nil
}

// Transcribe uploads the audio and returns the verbose transcript.
func (wt *WhisperTranscriber) Transcribe(ctx context.Context, audio provider.AudioSource) (*provider.Transcript, error) {
	fields := map[string]string{
		"model":           wt.model,
		"response_format": "verbose_json",
	}
	if wt.language != "" {
		fields["language"] = wt.language
	}

	body, contentType := multipartBody(fields, audio)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wt.endpoint+"/audio/transcriptions", body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+wt.apiKey)
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	wt.logger.Info().Str("filename", audio.Filename).Int64("sizeBytes", audio.Size).Msg("Sending audio to Whisper")

	var whisperOutput WhisperOutput
	if err := doJSON(wt.client, req, wt.id, &whisperOutput); err != nil {
		return nil, err
	}

	segments := make([]types.Segment, len(whisperOutput.Segments))
	for i, seg := range whisperOutput.Segments {
		segments[i] = types.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		}
	}

	duration := whisperOutput.Duration
	if duration == 0 && len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	wt.logger.Info().
		Int("segments", len(segments)).
		Float64("durationSeconds", duration).
		Dur("elapsed", time.Since(start)).
		Msg("Transcription completed")

	return &provider.Transcript{
		Text:            strings.TrimSpace(whisperOutput.Text),
		Language:        whisperOutput.Language,
		DurationSeconds: duration,
		Segments:        segments,
	}, nil
}

// EstimateCost prices Whisper at $0.006 per minute of audio.
func (wt *WhisperTranscriber) EstimateCost(u provider.Usage) float64 {
	return u.DurationSeconds / 60 * 0.006
}

// WhisperOutput matches the verbose_json transcription response.
type WhisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []WhisperSegment `json:"segments"`
}

// WhisperSegment represents a timestamped segment from Whisper
type WhisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// multipartBody streams fields and the audio file as multipart/form-data.
func multipartBody(fields map[string]string, audio provider.AudioSource) (io.Reader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile("file", audio.Filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, audio.Reader); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	return pr, mw.FormDataContentType()
}

// doJSON executes req and decodes a 2xx JSON body into out. Non-2xx
// responses become categorized provider errors.
func doJSON(client *http.Client, req *http.Request, providerID string, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return provider.NewError(provider.Unavailable, providerID, err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.HTTPError(providerID, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.NewError(provider.Unknown, providerID, "malformed response: "+err.Error(), err)
	}
	return nil
}
