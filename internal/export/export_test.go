package export

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/codebuildervaibhav/scribber/internal/metrics"
	"github.com/codebuildervaibhav/scribber/internal/queue"
	"github.com/codebuildervaibhav/scribber/internal/storage"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

type fakeEntities struct {
	mu       sync.Mutex
	entities map[string]*types.Entity
}

func (f *fakeEntities) Get(_ context.Context, ownerID, entityID string) (*types.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[entityID]
	if !ok || e.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: entity %s", types.ErrNotFound, entityID)
	}
	cp := *e
	return &cp, nil
}

type fakeAuth struct {
	mu        sync.Mutex
	exchanges int
}

func (*fakeAuth) Configured() bool { return true }

func (*fakeAuth) AuthCodeURL(state, redirectURI string) string {
	return "https://auth.example/?state=" + state + "&redirect_uri=" + url.QueryEscape(redirectURI)
}

func (f *fakeAuth) Exchange(_ context.Context, code, _ string) (*oauth2.Token, error) {
	f.mu.Lock()
	f.exchanges++
	f.mu.Unlock()
	return &oauth2.Token{AccessToken: "at-" + code, RefreshToken: "rt"}, nil
}

func (*fakeAuth) Refresh(_ context.Context, rt string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "fresh-" + rt}, nil
}

func (*fakeAuth) TokenSource(_ context.Context, tok *oauth2.Token) oauth2.TokenSource {
	return oauth2.StaticTokenSource(tok)
}

type fakeUploader struct {
	gate chan struct{}
	err  error

	mu   sync.Mutex
	docs []storage.Document
}

func (f *fakeUploader) Upload(ctx context.Context, ts oauth2.TokenSource, doc storage.Document) (*storage.UploadResult, error) {
	if _, err := ts.Token(); err != nil {
		return nil, err
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.docs = append(f.docs, doc)
	n := len(f.docs)
	f.mu.Unlock()
	return &storage.UploadResult{FileID: fmt.Sprintf("file-%d", n), WebViewLink: "https://drive.example/file"}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []types.StatusEvent
}

func (r *recorder) Publish(ev types.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []types.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StatusEvent(nil), r.events...)
}

type harness struct {
	ctrl     *Controller
	entities *fakeEntities
	auth     *fakeAuth
	uploader *fakeUploader
	events   *recorder
}

func newHarness(t *testing.T, uploader *fakeUploader) *harness {
	t.Helper()
	return newHarnessWith(t, uploader, nil)
}

func newHarnessWith(t *testing.T, uploader *fakeUploader, mailer Mailer) *harness {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	pool := queue.NewWorkerPool(2, 4, m)
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	entities := &fakeEntities{entities: map[string]*types.Entity{
		"e1": {ID: "e1", OwnerID: "alice", Title: "Standup", Stage: types.StageCompleted,
			Transcription: "hello world", Summary: "greeting", Version: 7},
		"bare": {ID: "bare", OwnerID: "alice", Stage: types.StagePending, Version: 2},
	}}
	h := &harness{
		entities: entities,
		auth:     &fakeAuth{},
		uploader: uploader,
		events:   &recorder{},
	}
	h.ctrl = NewController(entities, h.auth, uploader, pool, h.events, Options{Timeout: time.Second, Mailer: mailer}, m)
	return h
}

func waitJob(t *testing.T, c *Controller, owner, jobID string) *types.ExportJob {
	t.Helper()
	var job *types.ExportJob
	require.Eventually(t, func() bool {
		j, err := c.Job(owner, jobID)
		require.NoError(t, err)
		job = j
		return j.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestCorrelationStoreSingleUse(t *testing.T) {
	s := NewCorrelationStore(time.Minute)
	c := s.Issue("alice", "e1", "https://app/cb")

	got, err := s.Consume(c.Token)
	require.NoError(t, err)
	assert.Equal(t, "e1", got.EntityID)

	_, err = s.Consume(c.Token)
	assert.ErrorIs(t, err, ErrTokenConsumed)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = s.Consume("nope")
	assert.ErrorIs(t, err, ErrTokenUnknown)
}

func TestCorrelationStoreExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewCorrelationStore(time.Minute)
	s.now = func() time.Time { return now }

	expired := s.Issue("alice", "e1", "cb")
	consumed := s.Issue("alice", "e1", "cb")
	_, err := s.Consume(consumed.Token)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh := s.Issue("alice", "e1", "cb")

	_, err = s.Consume(expired.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
	_, err = s.Consume(fresh.Token)
	assert.NoError(t, err)
}

func TestBeginAuthorization(t *testing.T) {
	h := newHarness(t, &fakeUploader{})

	auth, err := h.ctrl.BeginAuthorization(context.Background(), "alice", "e1", "https://app/cb")
	require.NoError(t, err)
	assert.Contains(t, auth.URL, "state="+auth.State)
	assert.NotEmpty(t, auth.State)

	_, err = h.ctrl.BeginAuthorization(context.Background(), "alice", "bare", "https://app/cb")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = h.ctrl.BeginAuthorization(context.Background(), "bob", "e1", "https://app/cb")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = h.ctrl.BeginAuthorization(context.Background(), "alice", "e1", "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCompleteAuthorizationRejectsReplay(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	ctx := context.Background()

	auth, err := h.ctrl.BeginAuthorization(ctx, "alice", "e1", "https://app/cb")
	require.NoError(t, err)

	first, err := h.ctrl.CompleteAuthorization(ctx, "alice", auth.State, "code")
	require.NoError(t, err)
	assert.Equal(t, "at-code", first.Token.AccessToken)

	_, err = h.ctrl.CompleteAuthorization(ctx, "alice", auth.State, "code")
	assert.ErrorIs(t, err, ErrTokenConsumed)

	job := waitJob(t, h.ctrl, "alice", first.Job.ID)
	assert.Equal(t, types.JobSucceeded, job.Status)
	assert.Equal(t, "file-1", job.FileID)
	assert.Equal(t, 1, h.auth.exchanges)
}

func TestCompleteAuthorizationChecksOwner(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	ctx := context.Background()

	auth, err := h.ctrl.BeginAuthorization(ctx, "alice", "e1", "https://app/cb")
	require.NoError(t, err)

	_, err = h.ctrl.CompleteAuthorization(ctx, "mallory", auth.State, "code")
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, 0, h.auth.exchanges)

	_, err = h.ctrl.CompleteAuthorization(ctx, "alice", auth.State, "code")
	assert.ErrorIs(t, err, ErrTokenConsumed)
}

func TestUploadExportLeavesStageAlone(t *testing.T) {
	up := &fakeUploader{}
	h := newHarness(t, up)

	job, err := h.ctrl.UploadExport(context.Background(), "alice", "e1", &oauth2.Token{AccessToken: "at"})
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.Status)

	done := waitJob(t, h.ctrl, "alice", job.ID)
	assert.Equal(t, types.JobSucceeded, done.Status)

	require.Eventually(t, func() bool { return len(h.events.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	for _, ev := range h.events.snapshot() {
		assert.Equal(t, types.EventExport, ev.Type)
		assert.Equal(t, types.StageCompleted, ev.Stage)
		assert.EqualValues(t, 7, ev.Version)
		require.NotNil(t, ev.Delta)
		require.NotNil(t, ev.Delta.Export)
	}
	last := h.events.snapshot()[1]
	assert.Equal(t, types.JobSucceeded, last.Delta.Export.Status)

	require.Len(t, up.docs, 1)
	content := up.docs[0].Content
	assert.True(t, strings.HasPrefix(content, "# Standup\n"))
	assert.Less(t, strings.Index(content, "## Summary"), strings.Index(content, "## Full Transcription"))
	assert.True(t, strings.HasSuffix(content, "hello world"))
}

func TestUploadExportAtMostOnePerEntity(t *testing.T) {
	up := &fakeUploader{gate: make(chan struct{})}
	h := newHarness(t, up)
	ctx := context.Background()
	tok := &oauth2.Token{AccessToken: "at"}

	first, err := h.ctrl.UploadExport(ctx, "alice", "e1", tok)
	require.NoError(t, err)

	_, err = h.ctrl.UploadExport(ctx, "alice", "e1", tok)
	assert.ErrorIs(t, err, types.ErrConflict)

	close(up.gate)
	waitJob(t, h.ctrl, "alice", first.ID)

	second, err := h.ctrl.UploadExport(ctx, "alice", "e1", tok)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, waitJob(t, h.ctrl, "alice", second.ID).Status)
}

func TestUploadExportFailureIsReported(t *testing.T) {
	h := newHarness(t, &fakeUploader{err: fmt.Errorf("drive exploded")})

	job, err := h.ctrl.UploadExport(context.Background(), "alice", "e1", &oauth2.Token{AccessToken: "at"})
	require.NoError(t, err)

	done := waitJob(t, h.ctrl, "alice", job.ID)
	assert.Equal(t, types.JobFailed, done.Status)
	assert.True(t, strings.HasPrefix(done.Error, "unknown: "), done.Error)

	_, err = h.ctrl.Job("bob", job.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUploadExportValidation(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	ctx := context.Background()

	_, err := h.ctrl.UploadExport(ctx, "alice", "e1", nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = h.ctrl.UploadExport(ctx, "alice", "bare", &oauth2.Token{AccessToken: "at"})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = h.ctrl.UploadExport(ctx, "alice", "missing", &oauth2.Token{AccessToken: "at"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestShutdownFailsRunningExport(t *testing.T) {
	up := &fakeUploader{gate: make(chan struct{})}
	h := newHarness(t, up)

	job, err := h.ctrl.UploadExport(context.Background(), "alice", "e1", &oauth2.Token{AccessToken: "at"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Shutdown(ctx))

	done, err := h.ctrl.Job("alice", job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, done.Status)
	assert.Equal(t, "unavailable: interrupted by shutdown", done.Error)

	_, err = h.ctrl.UploadExport(context.Background(), "alice", "e1", &oauth2.Token{AccessToken: "at"})
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func TestSweepJobs(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	job, err := h.ctrl.UploadExport(context.Background(), "alice", "e1", &oauth2.Token{AccessToken: "at"})
	require.NoError(t, err)
	waitJob(t, h.ctrl, "alice", job.ID)

	assert.Equal(t, 0, h.ctrl.SweepJobs(time.Hour))
	assert.Equal(t, 1, h.ctrl.SweepJobs(-time.Second))
	_, err = h.ctrl.Job("alice", job.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGoogleOAuthAgainstTokenEndpoint(t *testing.T) {
	var grants []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		grants = append(grants, r.PostForm.Get("grant_type"))
		if r.PostForm.Get("code") == "bad" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	g := NewGoogleOAuth("id", "secret", oauth2.Endpoint{
		AuthURL:   srv.URL + "/auth",
		TokenURL:  srv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	})
	require.True(t, g.Configured())

	u, err := url.Parse(g.AuthCodeURL("state-1", "https://app/cb"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "https://app/cb", q.Get("redirect_uri"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Contains(t, q.Get("scope"), "drive.file")

	tok, err := g.Exchange(context.Background(), "good", "https://app/cb")
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)

	_, err = g.Exchange(context.Background(), "bad", "https://app/cb")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_input")

	tok, err = g.Refresh(context.Background(), "rt")
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)

	assert.Equal(t, []string{"authorization_code", "authorization_code", "refresh_token"}, grants)
	assert.False(t, NewGoogleOAuth("", "", oauth2.Endpoint{}).Configured())
}
