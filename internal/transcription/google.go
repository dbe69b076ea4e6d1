package transcription

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/provider"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// longRunningThreshold is the audio size above which the asynchronous
// LongRunningRecognize call is used.
const longRunningThreshold = 10 * 1024 * 1024

// GoogleConfig configures the Google Cloud Speech-to-Text adapter.
type GoogleConfig struct {
	ID              string
	CredentialsFile string
	APIKey          string
	Model           string
	Language        string
}

type recognizeFunc func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)

type longRunningFunc func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)

// GoogleTranscriber transcribes audio with Google Cloud Speech-to-Text v1.
type GoogleTranscriber struct {
	id          string
	model       string
	language    string
	recognize   recognizeFunc
	longRunning longRunningFunc
	close       func() error
	logger      zerolog.Logger
}

// NewGoogleTranscriber dials the Speech API. Without a credentials file or API
// key the client uses application default credentials.
func NewGoogleTranscriber(ctx context.Context, cfg GoogleConfig) (*GoogleTranscriber, error) {
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google stt: create client: %w", err)
	}

	gt := newGoogleTranscriber(cfg,
		func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
			return client.Recognize(ctx, req)
		},
		func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
			op, err := client.LongRunningRecognize(ctx, req)
			if err != nil {
				return nil, err
			}
			return op.Wait(ctx)
		},
	)
	gt.close = client.Close
	return gt, nil
}

func newGoogleTranscriber(cfg GoogleConfig, rec recognizeFunc, lr longRunningFunc) *GoogleTranscriber {
	if cfg.Model == "" {
		cfg.Model = "latest_long"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	return &GoogleTranscriber{
		id:          cfg.ID,
		model:       cfg.Model,
		language:    cfg.Language,
		recognize:   rec,
		longRunning: lr,
		close:       func() error { return nil },
		logger:      logging.WithComponent("google-stt").With().Str("provider", cfg.ID).Logger(),
	}
}

// Close releases the gRPC connection.
func (gt *GoogleTranscriber) Close() error {
	return gt.close()
}

// Transcribe implements provider.Transcriber.
func (gt *GoogleTranscriber) Transcribe(ctx context.Context, audio provider.AudioSource) (*provider.Transcript, error) {
	content, err := io.ReadAll(audio.Reader)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	config := &speechpb.RecognitionConfig{
		Encoding:                   audioEncoding(audio.Filename),
		LanguageCode:               gt.language,
		Model:                      gt.model,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
	}
	source := &speechpb.RecognitionAudio{
		AudioSource: &speechpb.RecognitionAudio_Content{Content: content},
	}

	var results []*speechpb.SpeechRecognitionResult
	if len(content) > longRunningThreshold {
		gt.logger.Info().Int("sizeBytes", len(content)).Msg("Audio above threshold, using long running recognize")
		resp, err := gt.longRunning(ctx, &speechpb.LongRunningRecognizeRequest{Config: config, Audio: source})
		if err != nil {
			return nil, err
		}
		results = resp.GetResults()
	} else {
		resp, err := gt.recognize(ctx, &speechpb.RecognizeRequest{Config: config, Audio: source})
		if err != nil {
			return nil, err
		}
		results = resp.GetResults()
	}

	return buildGoogleTranscript(results, gt.language), nil
}

func buildGoogleTranscript(results []*speechpb.SpeechRecognitionResult, language string) *provider.Transcript {
	var (
		texts    []string
		segments []types.Segment
		duration float64
	)
	for _, r := range results {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		alt := alts[0]
		text := strings.TrimSpace(alt.GetTranscript())
		if text == "" {
			continue
		}
		texts = append(texts, text)

		seg := types.Segment{Text: text}
		if words := alt.GetWords(); len(words) > 0 {
			seg.Start = words[0].GetStartTime().AsDuration().Seconds()
			seg.End = words[len(words)-1].GetEndTime().AsDuration().Seconds()
		} else if end := r.GetResultEndTime(); end != nil {
			seg.End = end.AsDuration().Seconds()
		}
		if seg.End > duration {
			duration = seg.End
		}
		segments = append(segments, seg)

		if lc := r.GetLanguageCode(); lc != "" {
			language = lc
		}
	}

	return &provider.Transcript{
		Text:            strings.Join(texts, " "),
		Language:        language,
		DurationSeconds: duration,
		Segments:        segments,
	}
}

// EstimateCost prices Google STT at $0.024 per minute.
func (gt *GoogleTranscriber) EstimateCost(u provider.Usage) float64 {
	return u.DurationSeconds / 60 * 0.024
}

// audioEncoding maps a file extension to the Speech API encoding. Formats the
// API can detect from the header fall back to unspecified.
func audioEncoding(filename string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "wav":
		return speechpb.RecognitionConfig_LINEAR16
	case "flac":
		return speechpb.RecognitionConfig_FLAC
	case "mp3":
		return speechpb.RecognitionConfig_MP3
	case "ogg":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "webm":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}
