package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/scribber/internal/metrics"
	"github.com/codebuildervaibhav/scribber/internal/provider"
	"github.com/codebuildervaibhav/scribber/internal/provider/mock"
	"github.com/codebuildervaibhav/scribber/internal/queue"
	"github.com/codebuildervaibhav/scribber/internal/storage"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

type recorder struct {
	mu     sync.Mutex
	events []types.StatusEvent
}

func (r *recorder) Publish(ev types.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) forEntity(id string) []types.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.StatusEvent
	for _, ev := range r.events {
		if ev.EntityID == id {
			out = append(out, ev)
		}
	}
	return out
}

// heldTranscriber ignores cancellation and answers only once released.
type heldTranscriber struct {
	release chan struct{}
}

func (h *heldTranscriber) Transcribe(context.Context, provider.AudioSource) (*provider.Transcript, error) {
	<-h.release
	return &provider.Transcript{Text: "held"}, nil
}

type harness struct {
	d     *Dispatcher
	exec  *Executor
	held  *heldTranscriber
	db    *storage.MetadataDB
	pool  *queue.WorkerPool
	rec   *recorder
	stt   *mock.Transcriber
	llm   *mock.Summarizer
	gated *mock.Transcriber
}

func newHarness(t *testing.T, workers, queueSize int) *harness {
	t.Helper()
	dir := t.TempDir()
	m := metrics.New(prometheus.NewRegistry())

	db, err := storage.NewMetadataDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := storage.NewLocalStorage(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	h := &harness{
		db:    db,
		rec:   &recorder{},
		stt:   &mock.Transcriber{Text: "we agreed to ship on friday"},
		llm:   &mock.Summarizer{Text: "Ship Friday."},
		gated: &mock.Transcriber{Text: "gated transcript", Gate: make(chan struct{})},
		held:  &heldTranscriber{release: make(chan struct{})},
	}

	reg := provider.NewRegistry()
	require.NoError(t, reg.RegisterTranscriber(provider.Info{ID: "mock-stt", Type: "mock"}, h.stt))
	require.NoError(t, reg.RegisterTranscriber(provider.Info{ID: "gated-stt", Type: "mock"}, h.gated))
	require.NoError(t, reg.RegisterTranscriber(provider.Info{ID: "slow-stt", Type: "mock", Timeout: 50 * time.Millisecond},
		&mock.Transcriber{Text: "late", Delay: 5 * time.Second}))
	require.NoError(t, reg.RegisterTranscriber(provider.Info{ID: "limited-stt", Type: "mock"},
		&mock.Transcriber{Err: provider.NewError(provider.RateLimited, "", "quota exceeded", nil)}))
	require.NoError(t, reg.RegisterTranscriber(provider.Info{ID: "held-stt", Type: "mock"}, h.held))
	require.NoError(t, reg.RegisterSummarizer(provider.Info{ID: "mock-llm", Type: "mock"}, h.llm))
	require.NoError(t, reg.RegisterSummarizer(provider.Info{ID: "broken-llm", Type: "mock"},
		&mock.Summarizer{Err: errors.New("model exploded")}))

	h.pool = queue.NewWorkerPool(workers, queueSize, m)
	h.pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.d.Shutdown(ctx)
		_ = h.pool.Stop(ctx)
	})

	h.exec = NewExecutor(reg, blobs, map[types.StageKind]time.Duration{
		types.StageKindTranscription: time.Minute,
		types.StageKindSummarization: time.Minute,
	}, m)
	h.d = NewDispatcher(db, blobs, h.exec, reg, h.pool, h.rec, m)
	return h
}

func (h *harness) create(t *testing.T, owner string) *types.Entity {
	t.Helper()
	e, err := h.d.CreateEntity(context.Background(), owner, "standup", "standup.mp3", strings.NewReader("audio-bytes"))
	require.NoError(t, err)
	return e
}

func (h *harness) waitFor(t *testing.T, id string, cond func(*types.Entity) bool) *types.Entity {
	t.Helper()
	var last *types.Entity
	require.Eventually(t, func() bool {
		e, err := h.db.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = e
		return cond(e)
	}, 3*time.Second, 5*time.Millisecond)
	return last
}

func settled(e *types.Entity) bool {
	return e.ActiveJobID == "" && !e.Stage.Active()
}

func TestCreateEntity(t *testing.T) {
	h := newHarness(t, 2, 10)
	e := h.create(t, "alice")

	assert.Equal(t, types.StagePending, e.Stage)
	assert.Equal(t, int64(2), e.Version)
	assert.Equal(t, int64(len("audio-bytes")), e.SizeBytes)
	assert.NotEmpty(t, e.SourceLocation)

	events := h.rec.forEntity(e.ID)
	require.Len(t, events, 2)
	assert.Equal(t, types.StageUploading, events[0].Stage)
	assert.Equal(t, types.StagePending, events[1].Stage)

	_, err := h.d.Get(context.Background(), "mallory", e.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTranscriptionThenSummarization(t *testing.T) {
	h := newHarness(t, 2, 10)
	ctx := context.Background()
	e := h.create(t, "alice")

	job, err := h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "mock-stt")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.Status)

	// The in-progress event is published before StartStage returns.
	events := h.rec.forEntity(e.ID)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, types.StageTranscribing, events[2].Stage)
	assert.Equal(t, job.ID, events[2].ActiveJobID)

	done := h.waitFor(t, e.ID, settled)
	assert.Equal(t, types.StagePending, done.Stage)
	assert.Equal(t, "we agreed to ship on friday", done.Transcription)
	assert.Equal(t, int64(4), done.Version)

	_, err = h.d.StartStage(ctx, "alice", e.ID, types.StageKindSummarization, "mock-llm")
	require.NoError(t, err)
	done = h.waitFor(t, e.ID, settled)
	assert.Equal(t, types.StageCompleted, done.Stage)
	assert.Equal(t, "Ship Friday.", done.Summary)
	assert.Equal(t, "we agreed to ship on friday", done.Transcription)

	events = h.rec.forEntity(e.ID)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Version, events[i-1].Version, "versions must strictly increase")
	}
	last := events[len(events)-1]
	require.NotNil(t, last.Delta)
	require.NotNil(t, last.Delta.Summary)
	assert.Equal(t, "Ship Friday.", *last.Delta.Summary)

	usage, err := h.db.ListUsage(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, usage, 2)

	// Completed is terminal.
	_, err = h.d.StartStage(ctx, "alice", e.ID, types.StageKindSummarization, "mock-llm")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestConcurrentStartStageAdmitsOne(t *testing.T) {
	h := newHarness(t, 4, 10)
	e := h.create(t, "alice")

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.d.StartStage(context.Background(), "alice", e.ID, types.StageKindTranscription, "gated-stt")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, types.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, callers-1, conflicts)

	close(h.gated.Gate)
	done := h.waitFor(t, e.ID, settled)
	assert.Equal(t, types.StagePending, done.Stage)
	assert.Equal(t, int64(1), h.gated.Calls())
}

func TestStartStageValidation(t *testing.T) {
	h := newHarness(t, 1, 10)
	ctx := context.Background()
	e := h.create(t, "alice")

	_, err := h.d.StartStage(ctx, "alice", e.ID, types.StageKind("translate"), "mock-stt")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "nope")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "mock-llm")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = h.d.StartStage(ctx, "alice", e.ID, types.StageKindSummarization, "mock-llm")
	assert.ErrorIs(t, err, types.ErrValidation, "summarization needs a transcript")

	_, err = h.d.StartStage(ctx, "mallory", e.ID, types.StageKindTranscription, "mock-stt")
	assert.ErrorIs(t, err, types.ErrNotFound)

	got, err := h.db.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Version, got.Version, "rejected calls must not mutate the entity")
}

func TestProviderTimeoutFailsStage(t *testing.T) {
	h := newHarness(t, 1, 10)
	e := h.create(t, "alice")

	_, err := h.d.StartStage(context.Background(), "alice", e.ID, types.StageKindTranscription, "slow-stt")
	require.NoError(t, err)

	done := h.waitFor(t, e.ID, settled)
	assert.Equal(t, types.StageFailed, done.Stage)
	assert.True(t, strings.HasPrefix(done.FailureReason, "timeout: "), done.FailureReason)
	assert.Equal(t, types.StageKindTranscription, done.FailedStage)
	assert.Empty(t, done.ActiveJobID)
}

func TestRetryOnlyFailedStage(t *testing.T) {
	h := newHarness(t, 1, 10)
	ctx := context.Background()
	e := h.create(t, "alice")

	_, err := h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "limited-stt")
	require.NoError(t, err)
	failed := h.waitFor(t, e.ID, settled)
	assert.Equal(t, types.StageFailed, failed.Stage)
	assert.True(t, strings.HasPrefix(failed.FailureReason, "rate_limited: "), failed.FailureReason)

	_, err = h.d.StartStage(ctx, "alice", e.ID, types.StageKindSummarization, "mock-llm")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "mock-stt")
	require.NoError(t, err)
	done := h.waitFor(t, e.ID, settled)
	assert.Equal(t, types.StagePending, done.Stage)
	assert.Empty(t, done.FailureReason)
	assert.Empty(t, done.FailedStage)
}

func TestSummarizationFailureKeepsTranscript(t *testing.T) {
	h := newHarness(t, 1, 10)
	ctx := context.Background()
	e := h.create(t, "alice")

	_, err := h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "mock-stt")
	require.NoError(t, err)
	h.waitFor(t, e.ID, settled)

	_, err = h.d.StartStage(ctx, "alice", e.ID, types.StageKindSummarization, "broken-llm")
	require.NoError(t, err)
	done := h.waitFor(t, e.ID, settled)
	assert.Equal(t, types.StageFailed, done.Stage)
	assert.Equal(t, types.StageKindSummarization, done.FailedStage)
	assert.True(t, strings.HasPrefix(done.FailureReason, "unknown: "), done.FailureReason)
	assert.Equal(t, "we agreed to ship on friday", done.Transcription)
	assert.Empty(t, done.Summary)
}

func TestDeleteCancelsActiveJob(t *testing.T) {
	h := newHarness(t, 1, 10)
	ctx := context.Background()
	e := h.create(t, "alice")

	_, err := h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "gated-stt")
	require.NoError(t, err)

	require.NoError(t, h.d.Delete(ctx, "alice", e.ID))

	_, err = h.db.Get(ctx, e.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, running := h.d.ActiveJob(e.ID)
	assert.False(t, running)

	// uploading, pending, transcribing, deleted: the cancelled job wrote nothing.
	events := h.rec.forEntity(e.ID)
	require.Len(t, events, 4)
	assert.Equal(t, types.StageTranscribing, events[2].Stage)
	assert.Equal(t, types.EventDeleted, events[3].Type)

	assert.ErrorIs(t, h.d.Delete(ctx, "alice", e.ID), types.ErrNotFound)
}

func TestDeleteRetiresQueuedJob(t *testing.T) {
	h := newHarness(t, 1, 10)
	ctx := context.Background()
	busy := h.create(t, "alice")
	queued := h.create(t, "alice")

	_, err := h.d.StartStage(ctx, "alice", busy.ID, types.StageKindTranscription, "gated-stt")
	require.NoError(t, err)
	_, err = h.d.StartStage(ctx, "alice", queued.ID, types.StageKindTranscription, "mock-stt")
	require.NoError(t, err)

	dctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, h.d.Delete(dctx, "alice", queued.ID))
	assert.Less(t, time.Since(start), 150*time.Millisecond, "a queued job must not hold up the delete")

	_, err = h.db.Get(ctx, queued.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, running := h.d.ActiveJob(queued.ID)
	assert.False(t, running)

	close(h.gated.Gate)
	h.waitFor(t, busy.ID, settled)

	// The single worker runs tasks in order, so once a later job settles the
	// retired task has already been skipped.
	later := h.create(t, "alice")
	_, err = h.d.StartStage(ctx, "alice", later.ID, types.StageKindTranscription, "mock-stt")
	require.NoError(t, err)
	h.waitFor(t, later.ID, settled)
	assert.EqualValues(t, 1, h.stt.Calls(), "the retired job must never reach its provider")
}

func TestAbandonedDeleteReleasesEntity(t *testing.T) {
	h := newHarness(t, 2, 10)
	h.exec.grace = time.Minute
	ctx := context.Background()
	e := h.create(t, "alice")

	_, err := h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "held-stt")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h.d.mu.Lock()
		defer h.d.mu.Unlock()
		aj := h.d.active[e.ID]
		return aj != nil && aj.started
	}, time.Second, 5*time.Millisecond)

	dctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = h.d.Delete(dctx, "alice", e.ID)
	assert.ErrorIs(t, err, types.ErrUnavailable)

	close(h.held.release)
	got := h.waitFor(t, e.ID, settled)
	assert.Equal(t, types.StageFailed, got.Stage)
	assert.Equal(t, types.StageKindTranscription, got.FailedStage)
	assert.True(t, strings.HasPrefix(got.FailureReason, "unknown: cancelled"), got.FailureReason)

	_, err = h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "mock-stt")
	require.NoError(t, err, "the entity must not stay locked by the cancelled job")
	h.waitFor(t, e.ID, settled)
	require.NoError(t, h.d.Delete(ctx, "alice", e.ID))
}

func TestUpdateText(t *testing.T) {
	h := newHarness(t, 1, 10)
	ctx := context.Background()
	e := h.create(t, "alice")

	_, err := h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "gated-stt")
	require.NoError(t, err)

	text := "edited"
	_, err = h.d.UpdateText(ctx, "alice", e.ID, &text, nil)
	assert.ErrorIs(t, err, types.ErrConflict)

	close(h.gated.Gate)
	before := h.waitFor(t, e.ID, settled)

	updated, err := h.d.UpdateText(ctx, "alice", e.ID, &text, nil)
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, updated.Version)
	assert.Equal(t, "edited", updated.Transcription)
	assert.Equal(t, types.StagePending, updated.Stage)

	_, err = h.d.UpdateText(ctx, "alice", e.ID, nil, nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestQueueFullFailsJob(t *testing.T) {
	h := newHarness(t, 1, 1)
	ctx := context.Background()

	first := h.create(t, "alice")
	second := h.create(t, "alice")
	third := h.create(t, "alice")

	_, err := h.d.StartStage(ctx, "alice", first.ID, types.StageKindTranscription, "gated-stt")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.gated.Calls() == 1 }, time.Second, time.Millisecond)

	_, err = h.d.StartStage(ctx, "alice", second.ID, types.StageKindTranscription, "gated-stt")
	require.NoError(t, err)

	_, err = h.d.StartStage(ctx, "alice", third.ID, types.StageKindTranscription, "gated-stt")
	assert.ErrorIs(t, err, types.ErrUnavailable)

	got, err := h.db.Get(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, got.Stage)
	assert.True(t, strings.HasPrefix(got.FailureReason, "unavailable: "), got.FailureReason)
	assert.Empty(t, got.ActiveJobID)

	close(h.gated.Gate)
}

func TestShutdownFailsRunningJobs(t *testing.T) {
	h := newHarness(t, 1, 10)
	ctx := context.Background()
	e := h.create(t, "alice")

	_, err := h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "gated-stt")
	require.NoError(t, err)

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.d.Shutdown(sctx))

	got, err := h.db.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, got.Stage)
	assert.Equal(t, "unavailable: interrupted by shutdown", got.FailureReason)
	assert.Empty(t, got.ActiveJobID)

	_, err = h.d.StartStage(ctx, "alice", e.ID, types.StageKindTranscription, "mock-stt")
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func TestRecoverInterruptedJobs(t *testing.T) {
	h := newHarness(t, 1, 10)
	ctx := context.Background()

	stuck := &types.Entity{ID: "stuck", OwnerID: "alice", Title: "t", Stage: types.StageSummarizing,
		Transcription: "text", ActiveJobID: "old-job"}
	require.NoError(t, h.db.Create(ctx, stuck))
	uploading := &types.Entity{ID: "half", OwnerID: "alice", Title: "t", Stage: types.StageUploading}
	require.NoError(t, h.db.Create(ctx, uploading))
	idle := &types.Entity{ID: "idle", OwnerID: "alice", Title: "t", Stage: types.StagePending}
	require.NoError(t, h.db.Create(ctx, idle))

	n, err := h.d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := h.db.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, got.Stage)
	assert.Equal(t, types.StageKindSummarization, got.FailedStage)
	assert.Equal(t, "unknown: job interrupted by restart", got.FailureReason)
	assert.Empty(t, got.ActiveJobID)
	assert.Equal(t, "text", got.Transcription)

	n, err = h.d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = h.d.StartStage(ctx, "alice", "stuck", types.StageKindSummarization, "mock-llm")
	require.NoError(t, err)
	done := h.waitFor(t, "stuck", settled)
	assert.Equal(t, types.StageCompleted, done.Stage)
}

func TestKeyedMutex(t *testing.T) {
	km := newKeyedMutex()
	unlock := km.Lock("a")

	acquired := make(chan struct{})
	go func() {
		u := km.Lock("a")
		close(acquired)
		u()
	}()

	other := km.Lock("b")
	other()

	select {
	case <-acquired:
		t.Fatal("second Lock on the same key must wait")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	unlock()
	<-acquired

	require.Eventually(t, func() bool {
		km.mu.Lock()
		defer km.mu.Unlock()
		return len(km.locks) == 0
	}, time.Second, time.Millisecond)
}
