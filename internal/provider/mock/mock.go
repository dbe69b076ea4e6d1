// Package mock provides deterministic provider adapters for tests and local
// runs without credentials.
package mock

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codebuildervaibhav/scribber/internal/provider"
)

// Transcriber returns a fixed transcript after an optional delay.
type Transcriber struct {
	Text  string
	Delay time.Duration
	Err   error
	// Gate, if set, blocks each call until it receives a value or is closed.
	Gate  chan struct{}
	calls atomic.Int64
}

// Transcribe implements provider.Transcriber.
func (m *Transcriber) Transcribe(ctx context.Context, audio provider.AudioSource) (*provider.Transcript, error) {
	m.calls.Add(1)
	if audio.Reader != nil {
		if _, err := io.Copy(io.Discard, audio.Reader); err != nil {
			return nil, err
		}
	}
	if err := wait(ctx, m.Delay, m.Gate); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &provider.Transcript{
		Text:            m.Text,
		Language:        "en",
		DurationSeconds: float64(len(strings.Fields(m.Text))) / 2.5,
	}, nil
}

// Calls returns how many times Transcribe was invoked.
func (m *Transcriber) Calls() int64 {
	return m.calls.Load()
}

// EstimateCost implements provider.CostEstimator.
func (m *Transcriber) EstimateCost(u provider.Usage) float64 {
	return 0
}

// Summarizer returns a fixed summary after an optional delay.
type Summarizer struct {
	Text  string
	Delay time.Duration
	Err   error
	Gate  chan struct{}
	calls atomic.Int64
}

// Summarize implements provider.Summarizer.
func (m *Summarizer) Summarize(ctx context.Context, text string) (*provider.Summary, error) {
	m.calls.Add(1)
	if err := wait(ctx, m.Delay, m.Gate); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	out := m.Text
	if out == "" {
		out = firstWords(text, 12)
	}
	return &provider.Summary{
		Text:         out,
		Model:        "mock",
		InputTokens:  len(strings.Fields(text)),
		OutputTokens: len(strings.Fields(out)),
	}, nil
}

// Calls returns how many times Summarize was invoked.
func (m *Summarizer) Calls() int64 {
	return m.calls.Load()
}

func wait(ctx context.Context, delay time.Duration, gate chan struct{}) error {
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
