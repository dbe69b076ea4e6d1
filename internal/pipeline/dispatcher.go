// Package pipeline accepts stage requests, runs them in the background, and
// is the only writer of an entity's stage while a job is active.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/metrics"
	"github.com/codebuildervaibhav/scribber/internal/provider"
	"github.com/codebuildervaibhav/scribber/internal/queue"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// Cancel causes for running jobs.
var (
	errEntityDeleted = errors.New("entity deleted")
	errShutdown      = errors.New("interrupted by shutdown")
	errStaleJob      = errors.New("job is no longer the entity's active job")
)

// Store persists entities.
type Store interface {
	Create(ctx context.Context, e *types.Entity) error
	Get(ctx context.Context, id string) (*types.Entity, error)
	Save(ctx context.Context, e *types.Entity, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*types.Entity, error)
	ListActive(ctx context.Context) ([]*types.Entity, error)
	RecordUsage(ctx context.Context, u *types.UsageLog) error
}

// BlobStore holds uploaded audio.
type BlobStore interface {
	BlobReader
	Put(ctx context.Context, entityID, filename string, r io.Reader) (string, int64, error)
	Delete(location string) error
}

// Publisher receives every status event.
type Publisher interface {
	Publish(ev types.StatusEvent)
}

// Submitter runs tasks in the background.
type Submitter interface {
	Submit(task *queue.Task) error
}

type activeJob struct {
	job    *types.StageJob
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// Guarded by Dispatcher.mu.
	started  bool
	skipped  bool
	finished bool
	orphaned bool
}

// Dispatcher owns stage transitions for all entities.
type Dispatcher struct {
	store     Store
	blobs     BlobStore
	executor  *Executor
	registry  *provider.Registry
	pool      Submitter
	publisher Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	locks *keyedMutex

	root       context.Context
	rootCancel context.CancelCauseFunc

	mu       sync.Mutex
	active   map[string]*activeJob
	deleting map[string]bool
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(store Store, blobs BlobStore, executor *Executor, registry *provider.Registry,
	pool Submitter, publisher Publisher, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	root, cancel := context.WithCancelCause(context.Background())
	return &Dispatcher{
		store:      store,
		blobs:      blobs,
		executor:   executor,
		registry:   registry,
		pool:       pool,
		publisher:  publisher,
		metrics:    m,
		logger:     logging.WithComponent("dispatcher"),
		locks:      newKeyedMutex(),
		root:       root,
		rootCancel: cancel,
		active:     make(map[string]*activeJob),
		deleting:   make(map[string]bool),
	}
}

// CreateEntity stores uploaded audio as a new entity. The entity is visible
// in Uploading while the audio streams in, then moves to Pending, or to
// Failed if the upload breaks.
func (d *Dispatcher) CreateEntity(ctx context.Context, ownerID, title, filename string, audio io.Reader) (*types.Entity, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", types.ErrValidation)
	}
	if title == "" {
		title = filename
	}

	e := &types.Entity{
		ID:             uuid.New().String(),
		OwnerID:        ownerID,
		Title:          title,
		SourceFilename: filename,
		Stage:          types.StageUploading,
	}
	if err := d.store.Create(ctx, e); err != nil {
		return nil, err
	}
	d.publisher.Publish(types.NewStageEvent(e, nil))

	location, size, putErr := d.blobs.Put(ctx, e.ID, filename, audio)

	unlock := d.locks.Lock(e.ID)
	defer unlock()

	e, err := d.commit(ctx, e, func(e *types.Entity) error {
		if e.Stage != types.StageUploading {
			return fmt.Errorf("%w: entity left uploading during upload", types.ErrConflict)
		}
		if putErr != nil {
			e.Stage = types.StageFailed
			e.FailureReason = provider.NewError(provider.Unavailable, "", "upload failed: "+putErr.Error(), putErr).Reason()
			return nil
		}
		e.SourceLocation = location
		e.SizeBytes = size
		e.Stage = types.StagePending
		return nil
	})
	if err != nil {
		if putErr == nil {
			_ = d.blobs.Delete(location)
		}
		return nil, err
	}
	d.publisher.Publish(types.NewStageEvent(e, nil))

	if putErr != nil {
		return e, fmt.Errorf("%w: upload failed: %v", types.ErrUnavailable, putErr)
	}
	log := logging.WithEntity(e.ID, ownerID)
	log.Info().Int64("sizeBytes", size).Msg("Entity created")
	return e, nil
}

// Get returns ownerID's entity.
func (d *Dispatcher) Get(ctx context.Context, ownerID, entityID string) (*types.Entity, error) {
	e, err := d.store.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if e.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: entity %s", types.ErrNotFound, entityID)
	}
	return e, nil
}

// List returns ownerID's entities, newest first.
func (d *Dispatcher) List(ctx context.Context, ownerID string, limit int) ([]*types.Entity, error) {
	return d.store.ListByOwner(ctx, ownerID, limit)
}

// StartStage accepts a stage job for an entity and returns it without
// waiting for the provider. On return the entity is already in the stage's
// in-progress state and its StatusEvent has been published.
func (d *Dispatcher) StartStage(ctx context.Context, ownerID, entityID string, kind types.StageKind, providerID string) (*types.StageJob, error) {
	if !kind.Valid() {
		d.metrics.RecordRejected("validation")
		return nil, fmt.Errorf("%w: unknown stage kind %q", types.ErrValidation, kind)
	}
	if _, err := d.registry.Lookup(providerID, kind); err != nil {
		d.metrics.RecordRejected("validation")
		return nil, err
	}
	if d.root.Err() != nil {
		d.metrics.RecordRejected("unavailable")
		return nil, fmt.Errorf("%w: shutting down", types.ErrUnavailable)
	}

	unlock := d.locks.Lock(entityID)
	defer unlock()

	e, err := d.Get(ctx, ownerID, entityID)
	if err != nil {
		return nil, err
	}

	job := &types.StageJob{
		ID:         uuid.New().String(),
		EntityID:   entityID,
		OwnerID:    ownerID,
		Kind:       kind,
		ProviderID: providerID,
		Status:     types.JobRunning,
	}

	e, err = d.commit(ctx, e, func(e *types.Entity) error {
		if err := d.checkStartable(e, kind); err != nil {
			return err
		}
		e.Stage = kind.InProgress()
		e.ActiveJobID = job.ID
		e.FailureReason = ""
		e.FailedStage = ""
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, types.ErrConflict):
			d.metrics.RecordRejected("conflict")
		case errors.Is(err, types.ErrValidation):
			d.metrics.RecordRejected("validation")
		}
		return nil, err
	}
	job.StartedAt = e.UpdatedAt

	jobCtx, cancel := context.WithCancelCause(d.root)
	aj := &activeJob{job: job, ctx: jobCtx, cancel: cancel, done: make(chan struct{})}
	d.mu.Lock()
	d.active[entityID] = aj
	d.mu.Unlock()

	d.publisher.Publish(types.NewStageEvent(e, nil))
	d.metrics.RecordJobStart(string(kind), providerID)
	log := logging.WithJob(entityID, job.ID, string(kind), providerID)
	log.Info().Int64("version", e.Version).Msg("Stage job accepted")

	snapshot := *e
	task := queue.NewTask(job.ID, string(kind), func(context.Context) {
		if !d.claim(aj) {
			return
		}
		out, err := d.executor.Execute(aj.ctx, job, &snapshot)
		d.finish(aj, out, err)
	})
	task.OnPanic = func(r any) {
		d.finish(aj, nil, fmt.Errorf("stage job panicked: %v", r))
	}

	if err := d.pool.Submit(task); err != nil {
		d.finishLocked(aj, nil, provider.NewError(provider.Unavailable, providerID, "no worker capacity: "+err.Error(), err))
		return nil, fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}

	out := *job
	return &out, nil
}

func (d *Dispatcher) checkStartable(e *types.Entity, kind types.StageKind) error {
	if e.ActiveJobID != "" {
		return fmt.Errorf("%w: entity %s already has active job %s", types.ErrConflict, e.ID, e.ActiveJobID)
	}
	d.mu.Lock()
	deleting := d.deleting[e.ID]
	d.mu.Unlock()
	if deleting {
		return fmt.Errorf("%w: entity %s is being deleted", types.ErrConflict, e.ID)
	}
	if err := types.CheckStart(e, kind); err != nil {
		return err
	}
	if kind == types.StageKindTranscription && e.SourceLocation == "" {
		return fmt.Errorf("%w: entity has no uploaded audio", types.ErrValidation)
	}
	return nil
}

// claim marks aj as picked up by a worker. It fails if a delete already
// retired the job while it sat in the queue.
func (d *Dispatcher) claim(aj *activeJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if aj.skipped {
		return false
	}
	aj.started = true
	return true
}

// finish records a job's terminal outcome.
func (d *Dispatcher) finish(aj *activeJob, out *Outcome, runErr error) {
	unlock := d.locks.Lock(aj.job.EntityID)
	defer unlock()
	d.finishLocked(aj, out, runErr)
}

func (d *Dispatcher) finishLocked(aj *activeJob, out *Outcome, runErr error) {
	job := aj.job
	log := logging.WithJob(job.EntityID, job.ID, string(job.Kind), job.ProviderID)

	defer func() {
		d.mu.Lock()
		if d.active[job.EntityID] == aj {
			delete(d.active, job.EntityID)
		}
		d.mu.Unlock()
		aj.cancel(nil)
		close(aj.done)
	}()

	job.FinishedAt = time.Now().UTC()
	duration := job.FinishedAt.Sub(job.StartedAt).Seconds()

	if errors.Is(context.Cause(aj.ctx), errEntityDeleted) {
		job.Status = types.JobCancelled
		d.metrics.RecordJobEnd(string(job.Kind), string(job.Status), "", duration)

		d.mu.Lock()
		aj.finished = true
		orphaned := aj.orphaned
		d.mu.Unlock()
		if !orphaned {
			log.Info().Msg("Stage job cancelled by delete")
			return
		}

		// The delete gave up waiting, so the row outlives the job.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.releaseCancelled(ctx, job); err != nil {
			log.Error().Err(err).Msg("Cannot release cancelled stage job")
			return
		}
		log.Warn().Msg("Stage job cancelled, delete did not complete")
		return
	}

	var (
		perr  *provider.Error
		delta *types.Delta
	)
	if runErr != nil {
		if errors.Is(runErr, errShutdown) {
			perr = provider.NewError(provider.Unavailable, job.ProviderID, errShutdown.Error(), runErr)
		} else {
			perr = provider.Normalize(job.ProviderID, runErr)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e, err := d.store.Get(ctx, job.EntityID)
	if err != nil {
		log.Error().Err(err).Msg("Cannot load entity to record stage outcome")
		job.Status = types.JobFailed
		d.metrics.RecordJobEnd(string(job.Kind), string(job.Status), "store", duration)
		return
	}

	e, err = d.commit(ctx, e, func(e *types.Entity) error {
		if e.ActiveJobID != job.ID {
			return errStaleJob
		}
		e.ActiveJobID = ""
		if perr != nil {
			e.Stage = types.StageFailed
			e.FailureReason = perr.Reason()
			e.FailedStage = job.Kind
			return nil
		}
		text := out.Text
		switch job.Kind {
		case types.StageKindTranscription:
			e.Transcription = text
			delta = &types.Delta{Transcription: &text}
		case types.StageKindSummarization:
			e.Summary = text
			delta = &types.Delta{Summary: &text}
		}
		e.Stage = job.Kind.Succeeded()
		e.FailureReason = ""
		e.FailedStage = ""
		return nil
	})
	if err != nil {
		d.metrics.RecordInvariantViolation()
		log.Error().Err(err).Bool("invariant", true).Msg("Stage outcome not recorded")
		job.Status = types.JobFailed
		d.metrics.RecordJobEnd(string(job.Kind), string(job.Status), "invariant", duration)
		return
	}

	d.publisher.Publish(types.NewStageEvent(e, delta))

	if perr != nil {
		job.Status = types.JobFailed
		job.Error = perr.Reason()
		d.metrics.RecordJobEnd(string(job.Kind), string(job.Status), string(perr.Category), duration)
		log.Warn().Str("reason", job.Error).Int64("version", e.Version).Msg("Stage job failed")
		return
	}

	job.Status = types.JobSucceeded
	job.Result = out.Text
	d.metrics.RecordJobEnd(string(job.Kind), string(job.Status), "", duration)
	log.Info().Int64("version", e.Version).Float64("estimatedCost", out.Cost).Msg("Stage job succeeded")

	usage := &types.UsageLog{
		OwnerID:         e.OwnerID,
		EntityID:        e.ID,
		ProviderID:      job.ProviderID,
		Operation:       job.Kind,
		InputSizeBytes:  out.Usage.InputSizeBytes,
		DurationSeconds: out.Usage.DurationSeconds,
		TokensUsed:      out.Usage.InputTokens + out.Usage.OutputTokens,
		EstimatedCost:   out.Cost,
	}
	if err := d.store.RecordUsage(ctx, usage); err != nil {
		log.Warn().Err(err).Msg("Failed to record usage")
	}
}

// UpdateText replaces an entity's transcription and/or summary. Edits are
// refused while a job is active.
func (d *Dispatcher) UpdateText(ctx context.Context, ownerID, entityID string, transcription, summary *string) (*types.Entity, error) {
	if transcription == nil && summary == nil {
		return nil, fmt.Errorf("%w: nothing to update", types.ErrValidation)
	}

	unlock := d.locks.Lock(entityID)
	defer unlock()

	e, err := d.Get(ctx, ownerID, entityID)
	if err != nil {
		return nil, err
	}

	delta := &types.Delta{}
	e, err = d.commit(ctx, e, func(e *types.Entity) error {
		if e.ActiveJobID != "" || e.Stage.Active() {
			return fmt.Errorf("%w: entity %s is %s", types.ErrConflict, e.ID, e.Stage)
		}
		if transcription != nil {
			e.Transcription = *transcription
			delta.Transcription = transcription
		}
		if summary != nil {
			e.Summary = *summary
			delta.Summary = summary
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.publisher.Publish(types.NewStageEvent(e, delta))
	return e, nil
}

// Delete removes an entity. A running job is cancelled and awaited first and
// never writes its outcome; a job still queued is retired without running.
// If the delete cannot complete, the cancelled job leaves the entity Failed
// rather than holding its active job id.
func (d *Dispatcher) Delete(ctx context.Context, ownerID, entityID string) error {
	unlock := d.locks.Lock(entityID)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	if _, err := d.Get(ctx, ownerID, entityID); err != nil {
		return err
	}

	d.mu.Lock()
	aj := d.active[entityID]
	queued := aj != nil && !aj.started
	switch {
	case queued:
		aj.skipped = true
	case aj != nil:
		d.deleting[entityID] = true
	}
	d.mu.Unlock()

	switch {
	case queued:
		aj.cancel(errEntityDeleted)
		d.finishLocked(aj, nil, nil)
	case aj != nil:
		defer func() {
			d.mu.Lock()
			delete(d.deleting, entityID)
			d.mu.Unlock()
		}()

		aj.cancel(errEntityDeleted)
		unlock()
		locked = false
		if err := d.awaitCancelled(ctx, aj); err != nil {
			return err
		}
		unlock = d.locks.Lock(entityID)
		locked = true
	}

	// The job is gone; finish the delete even if the caller stops waiting.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	e, err := d.Get(sctx, ownerID, entityID)
	if err != nil {
		return err
	}
	if err := d.store.Delete(sctx, entityID); err != nil {
		if aj != nil {
			if rerr := d.releaseCancelled(sctx, aj.job); rerr != nil {
				d.logger.Error().Err(rerr).Str("entityId", entityID).Msg("Cannot release cancelled stage job")
			}
		}
		return err
	}
	if err := d.blobs.Delete(e.SourceLocation); err != nil {
		d.logger.Warn().Err(err).Str("entityId", entityID).Msg("Failed to delete audio blob")
	}

	d.publisher.Publish(types.StatusEvent{
		Type:      types.EventDeleted,
		EntityID:  entityID,
		Stage:     e.Stage,
		Version:   e.Version,
		Timestamp: time.Now().UTC(),
	})
	log := logging.WithEntity(entityID, ownerID)
	log.Info().Msg("Entity deleted")
	return nil
}

// awaitCancelled waits for a cancelled job to finish. If ctx ends first the
// job is marked orphaned so its finish releases the entity instead.
func (d *Dispatcher) awaitCancelled(ctx context.Context, aj *activeJob) error {
	select {
	case <-aj.done:
		return nil
	case <-ctx.Done():
	}

	d.mu.Lock()
	finished := aj.finished
	if !finished {
		aj.orphaned = true
	}
	d.mu.Unlock()
	if finished {
		<-aj.done
		return nil
	}
	return fmt.Errorf("%w: job %s did not stop in time: %v", types.ErrUnavailable, aj.job.ID, ctx.Err())
}

// releaseCancelled fails an entity whose cancelled job still holds it. It is
// a no-op once the entity is gone or has moved on.
func (d *Dispatcher) releaseCancelled(ctx context.Context, job *types.StageJob) error {
	e, err := d.store.Get(ctx, job.EntityID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e, err = d.commit(ctx, e, func(e *types.Entity) error {
		if e.ActiveJobID != job.ID {
			return errStaleJob
		}
		e.ActiveJobID = ""
		e.Stage = types.StageFailed
		e.FailedStage = job.Kind
		e.FailureReason = provider.NewError(provider.Unknown, job.ProviderID, "cancelled", nil).Reason()
		return nil
	})
	if errors.Is(err, errStaleJob) {
		return nil
	}
	if err != nil {
		return err
	}
	d.publisher.Publish(types.NewStageEvent(e, nil))
	return nil
}

// Recover fails every entity left mid-stage by a previous process. It is
// meant to run once at startup, before any job is accepted, and is safe to
// repeat.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	stuck, err := d.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, s := range stuck {
		if err := d.recoverOne(ctx, s.ID); err != nil {
			d.logger.Error().Err(err).Str("entityId", s.ID).Msg("Failed to recover interrupted entity")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		d.logger.Warn().Int("entities", recovered).Msg("Marked interrupted jobs as failed")
	}
	return recovered, nil
}

func (d *Dispatcher) recoverOne(ctx context.Context, entityID string) error {
	unlock := d.locks.Lock(entityID)
	defer unlock()

	d.mu.Lock()
	_, running := d.active[entityID]
	d.mu.Unlock()
	if running {
		return nil
	}

	e, err := d.store.Get(ctx, entityID)
	if err != nil {
		return err
	}
	if e.ActiveJobID == "" && !e.Stage.Active() {
		return nil
	}

	e, err = d.commit(ctx, e, func(e *types.Entity) error {
		switch e.Stage {
		case types.StageTranscribing:
			e.FailedStage = types.StageKindTranscription
		case types.StageSummarizing:
			e.FailedStage = types.StageKindSummarization
		default:
			e.FailedStage = ""
		}
		msg := "job interrupted by restart"
		if e.Stage == types.StageUploading {
			msg = "upload interrupted by restart"
		}
		e.Stage = types.StageFailed
		e.FailureReason = provider.NewError(provider.Unknown, "", msg, nil).Reason()
		e.ActiveJobID = ""
		return nil
	})
	if err != nil {
		return err
	}
	d.publisher.Publish(types.NewStageEvent(e, nil))
	return nil
}

// Shutdown cancels running jobs and waits for their outcomes to be recorded.
// Each finishes as Failed with an unavailable reason.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.rootCancel(errShutdown)

	d.mu.Lock()
	pending := make([]*activeJob, 0, len(d.active))
	for _, aj := range d.active {
		pending = append(pending, aj)
	}
	d.mu.Unlock()

	for _, aj := range pending {
		select {
		case <-aj.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ActiveJob returns the running job for entityID, if any.
func (d *Dispatcher) ActiveJob(entityID string) (*types.StageJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	aj, ok := d.active[entityID]
	if !ok {
		return nil, false
	}
	job := *aj.job
	return &job, true
}

// commit applies mutate to e and saves it, retrying once against a fresh
// copy if another writer raced it. A second conflict means the single-writer
// rule was broken and is logged as such.
func (d *Dispatcher) commit(ctx context.Context, e *types.Entity, mutate func(*types.Entity) error) (*types.Entity, error) {
	for attempt := 0; ; attempt++ {
		if err := mutate(e); err != nil {
			return nil, err
		}
		err := d.store.Save(ctx, e, e.Version)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, types.ErrVersionConflict) {
			return nil, err
		}
		if attempt > 0 {
			d.metrics.RecordInvariantViolation()
			d.logger.Error().
				Err(err).
				Bool("invariant", true).
				Str("entityId", e.ID).
				Int64("version", e.Version).
				Msg("Repeated version conflict on entity")
			return nil, err
		}

		fresh, gerr := d.store.Get(ctx, e.ID)
		if gerr != nil {
			return nil, gerr
		}
		e = fresh
	}
}
