package status

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/codebuildervaibhav/scribber/internal/logging"
	"github.com/codebuildervaibhav/scribber/internal/types"
)

// FetchFunc returns the current status of the reconciled entity.
type FetchFunc func(ctx context.Context) (types.Status, error)

// Reconciler polls current status at a bounded rate and emits it only when
// the version advances past what the tracker has seen. It stops once the
// entity reaches a stage that changes only on user action.
type Reconciler struct {
	fetch   FetchFunc
	tracker *Tracker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewReconciler creates a reconciler polling at most once per interval.
func NewReconciler(fetch FetchFunc, tracker *Tracker, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Reconciler{
		fetch:   fetch,
		tracker: tracker,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  logging.WithComponent("reconciler"),
	}
}

// Run polls until the stage settles, the entity is deleted, emit fails, or
// ctx ends. It returns ErrEntityDeleted if the entity disappears.
func (r *Reconciler) Run(ctx context.Context, emit func(types.Status) error) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		st, err := r.fetch(ctx)
		if errors.Is(err, types.ErrNotFound) {
			return ErrEntityDeleted
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn().Err(err).Msg("Status poll failed")
			continue
		}

		if r.tracker.ApplySnapshot(st) {
			if err := emit(st); err != nil {
				return err
			}
		}
		if !st.Stage.Active() {
			return nil
		}
	}
}
