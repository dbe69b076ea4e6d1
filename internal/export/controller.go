// Package export delivers an entity's text to the owner's Google Drive after
// a two-phase OAuth authorization, or by email.
package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/metrics"
	"github.com/codebuildervaibhav/scribber/internal/provider"
	"github.com/codebuildervaibhav/scribber/internal/queue"
	"github.com/codebuildervaibhav/scribber/internal/storage"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// Destination names the Google Drive export target.
const Destination = "google_drive"

var errShutdown = errors.New("interrupted by shutdown")

// EntityReader loads an entity on behalf of its owner.
type EntityReader interface {
	Get(ctx context.Context, ownerID, entityID string) (*types.Entity, error)
}

// Uploader stores a document with the given credentials.
type Uploader interface {
	Upload(ctx context.Context, ts oauth2.TokenSource, doc storage.Document) (*storage.UploadResult, error)
}

// Publisher receives export events.
type Publisher interface {
	Publish(ev types.StatusEvent)
}

// Submitter runs tasks in the background.
type Submitter interface {
	Submit(task *queue.Task) error
}

// Authorization is the first half of the export flow.
type Authorization struct {
	URL       string    `json:"authorization_url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Completion is the result of a finished authorization: the tokens and the
// export job they started.
type Completion struct {
	Job   *types.ExportJob `json:"job"`
	Token *oauth2.Token    `json:"token"`
}

type runningExport struct {
	job    *types.ExportJob
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Controller drives authorization and export jobs. Exports run on the
// shared worker pool, are at most one per entity, and never touch the
// entity's stage or version.
type Controller struct {
	entities  EntityReader
	auth      Authorizer
	uploader  Uploader
	mailer    Mailer
	pool      Submitter
	publisher Publisher
	tokens    *CorrelationStore
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	root       context.Context
	rootCancel context.CancelCauseFunc

	mu     sync.Mutex
	jobs   map[string]*runningExport
	active map[string]string
}

// Options tune a Controller.
type Options struct {
	TokenTTL time.Duration
	Timeout  time.Duration
	// Mailer enables email export when configured.
	Mailer Mailer
}

// Status reports which destinations can be used.
type Status struct {
	EmailConfigured       bool `json:"email_configured"`
	GoogleDriveConfigured bool `json:"google_drive_configured"`
}

// NewController wires an export controller.
func NewController(entities EntityReader, auth Authorizer, uploader Uploader, pool Submitter,
	publisher Publisher, opts Options, m *metrics.Metrics) *Controller {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	root, cancel := context.WithCancelCause(context.Background())
	return &Controller{
		entities:   entities,
		auth:       auth,
		uploader:   uploader,
		mailer:     opts.Mailer,
		pool:       pool,
		publisher:  publisher,
		tokens:     NewCorrelationStore(opts.TokenTTL),
		timeout:    opts.Timeout,
		metrics:    m,
		logger:     logging.WithComponent("export"),
		root:       root,
		rootCancel: cancel,
		jobs:       make(map[string]*runningExport),
		active:     make(map[string]string),
	}
}

// Status reports which destinations are configured.
func (c *Controller) Status() Status {
	return Status{
		EmailConfigured:       c.mailer != nil && c.mailer.Configured(),
		GoogleDriveConfigured: c.auth.Configured(),
	}
}

// Tokens exposes the correlation store for sweeping.
func (c *Controller) Tokens() *CorrelationStore {
	return c.tokens
}

// BeginAuthorization starts the OAuth round trip for exporting entityID and
// returns the consent URL. The state parameter is a single-use correlation
// token.
func (c *Controller) BeginAuthorization(ctx context.Context, ownerID, entityID, redirectURI string) (*Authorization, error) {
	if !c.auth.Configured() {
		return nil, fmt.Errorf("%w: Google Drive export is not configured", types.ErrUnavailable)
	}
	if redirectURI == "" {
		return nil, fmt.Errorf("%w: redirect_uri is required", types.ErrValidation)
	}
	e, err := c.entities.Get(ctx, ownerID, entityID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(e.Transcription) == "" {
		return nil, fmt.Errorf("%w: entity has no transcription", types.ErrValidation)
	}

	corr := c.tokens.Issue(ownerID, entityID, redirectURI)
	c.logger.Debug().Str("entityId", entityID).Time("expiresAt", corr.ExpiresAt).Msg("Authorization started")
	return &Authorization{
		URL:       c.auth.AuthCodeURL(corr.Token, redirectURI),
		State:     corr.Token,
		ExpiresAt: corr.ExpiresAt,
	}, nil
}

// CompleteAuthorization exchanges code for credentials and starts the
// export. The correlation token is spent before the exchange, so a replay
// is rejected even if the first attempt failed.
func (c *Controller) CompleteAuthorization(ctx context.Context, ownerID, state, code string) (*Completion, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", types.ErrValidation)
	}
	corr, err := c.tokens.Consume(state)
	if err != nil {
		c.metrics.RecordExport(Destination, "rejected")
		return nil, err
	}
	if corr.OwnerID != ownerID {
		c.metrics.RecordExport(Destination, "rejected")
		return nil, ErrTokenUnknown
	}

	tok, err := c.auth.Exchange(ctx, code, corr.RedirectURI)
	if err != nil {
		c.logger.Warn().Err(err).Str("entityId", corr.EntityID).Msg("Code exchange failed")
		return nil, err
	}

	job, err := c.UploadExport(ctx, ownerID, corr.EntityID, tok)
	if err != nil {
		return nil, err
	}
	return &Completion{Job: job, Token: tok}, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *Controller) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if !c.auth.Configured() {
		return nil, fmt.Errorf("%w: Google Drive export is not configured", types.ErrUnavailable)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", types.ErrValidation)
	}
	return c.auth.Refresh(ctx, refreshToken)
}

// UploadExport accepts an export job for entityID and returns without
// waiting for the upload. Progress is reported as export events.
func (c *Controller) UploadExport(ctx context.Context, ownerID, entityID string, tok *oauth2.Token) (*types.ExportJob, error) {
	if tok == nil || (tok.AccessToken == "" && tok.RefreshToken == "") {
		return nil, fmt.Errorf("%w: credentials are required", types.ErrValidation)
	}
	return c.start(ctx, ownerID, entityID, Destination, func(ctx context.Context) (*storage.UploadResult, error) {
		return c.uploadEntity(ctx, ownerID, entityID, tok)
	})
}

// EmailExport accepts an email export of entityID to the address to and
// returns without waiting for delivery.
func (c *Controller) EmailExport(ctx context.Context, ownerID, entityID, to string, includeSummary, includeAttachment bool) (*types.ExportJob, error) {
	if c.mailer == nil || !c.mailer.Configured() {
		return nil, fmt.Errorf("%w: email export is not configured", types.ErrUnavailable)
	}
	to = strings.TrimSpace(to)
	if !validAddress(to) {
		return nil, fmt.Errorf("%w: to_email %q is not a valid address", types.ErrValidation, to)
	}
	return c.start(ctx, ownerID, entityID, DestinationEmail, func(ctx context.Context) (*storage.UploadResult, error) {
		e, err := c.entities.Get(ctx, ownerID, entityID)
		if err != nil {
			return nil, err
		}
		if err := c.mailer.Send(ctx, BuildEmail(e, to, includeSummary, includeAttachment)); err != nil {
			return nil, err
		}
		return &storage.UploadResult{}, nil
	})
}

// start registers an export job and submits deliver to the pool. Exports
// of an entity are at most one at a time whatever their destination.
func (c *Controller) start(ctx context.Context, ownerID, entityID, destination string,
	deliver func(context.Context) (*storage.UploadResult, error)) (*types.ExportJob, error) {
	if c.root.Err() != nil {
		return nil, fmt.Errorf("%w: shutting down", types.ErrUnavailable)
	}

	e, err := c.entities.Get(ctx, ownerID, entityID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(e.Transcription) == "" {
		return nil, fmt.Errorf("%w: entity has no transcription", types.ErrValidation)
	}

	job := &types.ExportJob{
		ID:          uuid.New().String(),
		EntityID:    entityID,
		OwnerID:     ownerID,
		Destination: destination,
		Status:      types.JobRunning,
		StartedAt:   time.Now().UTC(),
	}
	jobCtx, cancel := context.WithCancelCause(c.root)
	run := &runningExport{job: job, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if existing, ok := c.active[entityID]; ok {
		c.mu.Unlock()
		cancel(nil)
		c.metrics.RecordExport(destination, "conflict")
		return nil, fmt.Errorf("%w: export %s already running for entity %s", types.ErrConflict, existing, entityID)
	}
	c.active[entityID] = job.ID
	c.jobs[job.ID] = run
	snapshot := *job
	c.mu.Unlock()

	c.publish(e, snapshot)
	c.metrics.RecordExport(destination, string(types.JobRunning))

	task := queue.NewTask(job.ID, "export", func(context.Context) {
		res, err := c.deliver(jobCtx, deliver)
		c.finish(run, res, err)
	})
	task.OnPanic = func(r any) {
		c.finish(run, nil, fmt.Errorf("export job panicked: %v", r))
	}

	if err := c.pool.Submit(task); err != nil {
		c.finish(run, nil, provider.NewError(provider.Unavailable, destination, "no worker capacity: "+err.Error(), err))
		return nil, fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}

	c.logger.Info().Str("jobId", job.ID).Str("entityId", entityID).Str("destination", destination).Msg("Export job accepted")
	return &snapshot, nil
}

func (c *Controller) deliver(ctx context.Context, fn func(context.Context) (*storage.UploadResult, error)) (*storage.UploadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := fn(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return nil, context.Cause(ctx)
	}
	return res, err
}

func (c *Controller) uploadEntity(ctx context.Context, ownerID, entityID string, tok *oauth2.Token) (*storage.UploadResult, error) {
	e, err := c.entities.Get(ctx, ownerID, entityID)
	if err != nil {
		return nil, err
	}
	return c.uploader.Upload(ctx, c.auth.TokenSource(ctx, tok), BuildDocument(e))
}

func (c *Controller) finish(run *runningExport, res *storage.UploadResult, runErr error) {
	defer func() {
		run.cancel(nil)
		close(run.done)
	}()

	c.mu.Lock()
	job := run.job
	dest := job.Destination
	job.FinishedAt = time.Now().UTC()
	if runErr != nil {
		var perr *provider.Error
		switch {
		case errors.Is(runErr, errShutdown):
			perr = provider.NewError(provider.Unavailable, dest, errShutdown.Error(), runErr)
		case errors.Is(runErr, types.ErrNotFound):
			perr = provider.NewError(provider.InvalidInput, dest, "entity no longer exists", runErr)
		default:
			perr = provider.Normalize(dest, runErr)
		}
		job.Status = types.JobFailed
		job.Error = perr.Reason()
	} else {
		job.Status = types.JobSucceeded
		job.FileID = res.FileID
		job.WebViewLink = res.WebViewLink
	}
	if c.active[job.EntityID] == job.ID {
		delete(c.active, job.EntityID)
	}
	snapshot := *job
	c.mu.Unlock()

	c.metrics.RecordExport(dest, string(snapshot.Status))
	log := c.logger.With().Str("jobId", snapshot.ID).Str("entityId", snapshot.EntityID).Str("destination", dest).Logger()
	if snapshot.Status == types.JobFailed {
		log.Warn().Str("reason", snapshot.Error).Msg("Export job failed")
	} else {
		log.Info().Str("fileId", snapshot.FileID).Msg("Export job succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e, err := c.entities.Get(ctx, snapshot.OwnerID, snapshot.EntityID)
	if err != nil {
		// A deleted entity has no observers left.
		return
	}
	c.publish(e, snapshot)
}

func (c *Controller) publish(e *types.Entity, job types.ExportJob) {
	ev := types.NewStageEvent(e, &types.Delta{Export: &job})
	ev.Type = types.EventExport
	ev.Timestamp = time.Now().UTC()
	c.publisher.Publish(ev)
}

// Job returns ownerID's export job.
func (c *Controller) Job(ownerID, jobID string) (*types.ExportJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.jobs[jobID]
	if !ok || run.job.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: export job %s", types.ErrNotFound, jobID)
	}
	job := *run.job
	return &job, nil
}

// SweepJobs forgets finished export jobs older than retention.
func (c *Controller) SweepJobs(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, run := range c.jobs {
		if run.job.Status.Terminal() && run.job.FinishedAt.Before(cutoff) {
			delete(c.jobs, id)
			removed++
		}
	}
	return removed
}

// Shutdown cancels running exports and waits for them to report failure.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.rootCancel(errShutdown)

	c.mu.Lock()
	pending := make([]*runningExport, 0, len(c.active))
	for _, jobID := range c.active {
		pending = append(pending, c.jobs[jobID])
	}
	c.mu.Unlock()

	for _, run := range pending {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// BuildDocument renders an entity as the exported text document.
func BuildDocument(e *types.Entity) storage.Document {
	title := e.Title
	if title == "" {
		title = e.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Transcribed: %s\n\n", e.CreatedAt.UTC().Format("2006-01-02 15:04"))
	if e.Summary != "" {
		b.WriteString("## Summary\n\n")
		b.WriteString(e.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("## Full Transcription\n\n")
	b.WriteString(e.Transcription)

	return storage.Document{Name: title, Content: b.String()}
}
