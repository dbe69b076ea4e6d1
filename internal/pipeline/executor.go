package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/metrics"
	"github.com/codebuildervaibhav/scribber/internal/provider"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// BlobReader opens stored audio.
type BlobReader interface {
	Open(location string) (io.ReadCloser, error)
}

// Outcome is the successful result of one stage execution.
type Outcome struct {
	Text     string
	Language string
	Usage    provider.Usage
	Cost     float64
}

// Executor runs a single stage against its provider under a time ceiling.
type Executor struct {
	registry *provider.Registry
	blobs    BlobReader
	timeouts map[types.StageKind]time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// grace is how long a timed-out or cancelled call keeps its worker
	// while the adapter unwinds.
	grace time.Duration
}

const defaultGrace = 5 * time.Second

// NewExecutor creates an executor. timeouts gives the ceiling per stage kind
// for providers that do not configure their own.
func NewExecutor(registry *provider.Registry, blobs BlobReader, timeouts map[types.StageKind]time.Duration, m *metrics.Metrics) *Executor {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Executor{
		registry: registry,
		blobs:    blobs,
		timeouts: timeouts,
		metrics:  m,
		logger:   logging.WithComponent("executor"),
		grace:    defaultGrace,
	}
}

type callResult struct {
	out *Outcome
	err error
}

// Execute runs job against e, a snapshot of the entity taken when the job
// started. It returns once the provider answers, the ceiling passes, or ctx is
// cancelled, whichever is first. After a timeout or cancel it waits up to the
// grace period for the adapter to return, so the worker running it is not
// handed new work while the call is still live. Provider failures come back
// as *provider.Error; cancellation returns the cancel cause of ctx.
func (x *Executor) Execute(ctx context.Context, job *types.StageJob, e *types.Entity) (*Outcome, error) {
	timeout := x.timeoutFor(job)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	results := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- callResult{err: fmt.Errorf("provider adapter panicked: %v", r)}
			}
		}()
		out, err := x.call(runCtx, job, e)
		results <- callResult{out: out, err: err}
	}()

	var res callResult
	select {
	case res = <-results:
	case <-runCtx.Done():
		res.err = runCtx.Err()
		x.awaitAdapter(results, job)
	}
	elapsed := time.Since(start).Seconds()

	if res.err == nil {
		x.metrics.RecordProviderCall(job.ProviderID, string(job.Kind), "", elapsed)
		return res.out, nil
	}

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	perr := provider.Normalize(job.ProviderID, res.err)
	x.metrics.RecordProviderCall(job.ProviderID, string(job.Kind), string(perr.Category), elapsed)
	x.logger.Warn().
		Str("jobId", job.ID).
		Str("entityId", job.EntityID).
		Str("provider", job.ProviderID).
		Str("category", string(perr.Category)).
		Err(res.err).
		Msg("Stage failed")
	return nil, perr
}

func (x *Executor) awaitAdapter(results <-chan callResult, job *types.StageJob) {
	timer := time.NewTimer(x.grace)
	defer timer.Stop()
	select {
	case <-results:
	case <-timer.C:
		x.logger.Warn().
			Str("jobId", job.ID).
			Str("provider", job.ProviderID).
			Dur("grace", x.grace).
			Msg("Provider call ignored cancellation, releasing worker")
	}
}

func (x *Executor) timeoutFor(job *types.StageJob) time.Duration {
	if info, err := x.registry.Lookup(job.ProviderID, job.Kind); err == nil && info.Timeout > 0 {
		return info.Timeout
	}
	if d := x.timeouts[job.Kind]; d > 0 {
		return d
	}
	return 10 * time.Minute
}

func (x *Executor) call(ctx context.Context, job *types.StageJob, e *types.Entity) (*Outcome, error) {
	switch job.Kind {
	case types.StageKindTranscription:
		return x.transcribe(ctx, job, e)
	case types.StageKindSummarization:
		return x.summarize(ctx, job, e)
	default:
		return nil, provider.NewError(provider.InvalidInput, job.ProviderID, "unknown stage kind "+string(job.Kind), nil)
	}
}

func (x *Executor) transcribe(ctx context.Context, job *types.StageJob, e *types.Entity) (*Outcome, error) {
	t, _, err := x.registry.Transcriber(job.ProviderID)
	if err != nil {
		return nil, provider.NewError(provider.InvalidInput, job.ProviderID, err.Error(), err)
	}

	rc, err := x.blobs.Open(e.SourceLocation)
	if err != nil {
		return nil, provider.NewError(provider.InvalidInput, job.ProviderID, "audio unavailable: "+err.Error(), err)
	}
	defer rc.Close()

	filename := e.SourceFilename
	if filename == "" {
		filename = filepath.Base(e.SourceLocation)
	}

	tr, err := t.Transcribe(ctx, provider.AudioSource{Filename: filename, Size: e.SizeBytes, Reader: rc})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(tr.Text) == "" {
		return nil, provider.NewError(provider.InvalidInput, job.ProviderID, "no speech detected in audio", nil)
	}

	usage := provider.Usage{InputSizeBytes: e.SizeBytes, DurationSeconds: tr.DurationSeconds}
	return &Outcome{
		Text:     tr.Text,
		Language: tr.Language,
		Usage:    usage,
		Cost:     x.estimate(job.ProviderID, usage),
	}, nil
}

func (x *Executor) summarize(ctx context.Context, job *types.StageJob, e *types.Entity) (*Outcome, error) {
	s, _, err := x.registry.Summarizer(job.ProviderID)
	if err != nil {
		return nil, provider.NewError(provider.InvalidInput, job.ProviderID, err.Error(), err)
	}

	sum, err := s.Summarize(ctx, e.Transcription)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sum.Text) == "" {
		return nil, provider.NewError(provider.Unknown, job.ProviderID, "provider returned an empty summary", nil)
	}

	usage := provider.Usage{
		InputSizeBytes: int64(len(e.Transcription)),
		InputTokens:    sum.InputTokens,
		OutputTokens:   sum.OutputTokens,
	}
	return &Outcome{
		Text:  sum.Text,
		Usage: usage,
		Cost:  x.estimate(job.ProviderID, usage),
	}, nil
}

func (x *Executor) estimate(providerID string, u provider.Usage) float64 {
	if ce, ok := x.registry.Adapter(providerID).(provider.CostEstimator); ok {
		return ce.EstimateCost(u)
	}
	return 0
}
