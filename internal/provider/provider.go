// Package provider defines the contract between the pipeline and the
// external transcription and summarization services.
//
// Adapters translate a provider's native failures into *Error values with a
// Category, so the dispatcher never needs to know which provider it called.
package provider

import (
	"context"
	"io"

	"github.com/codebuildervaibhav/scribber/internal/types"
)

// AudioSource is the input to a transcription call.
type AudioSource struct {
	Filename string
	Size     int64
	Reader   io.Reader
}

// Transcript is the result of a transcription call.
type Transcript struct {
	Text            string
	Language        string
	DurationSeconds float64
	Segments        []types.Segment
}

// Summary is the result of a summarization call.
type Summary struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio AudioSource) (*Transcript, error)
}

// Summarizer turns a transcript into a summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (*Summary, error)
}

// Usage describes the billable size of one successful call.
type Usage struct {
	InputSizeBytes  int64
	DurationSeconds float64
	InputTokens     int
	OutputTokens    int
}

// CostEstimator is implemented by adapters that can price a call.
type CostEstimator interface {
	EstimateCost(u Usage) float64
}
