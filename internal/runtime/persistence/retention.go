package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	configpkg "github.com/drblury/imbus/internal/runtime/config"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	"github.com/drblury/imbus/internal/runtime/logging"
	"github.com/drblury/imbus/internal/runtime/store"
)

// Retention periodically deletes rows older than the retention window.
type Retention struct {
	store    store.Store
	window   time.Duration
	schedule string
	options
}

// NewRetention validates the cron schedule and returns an idle job.
func NewRetention(conf configpkg.PersistenceConfig, st store.Store, opts ...Option) (*Retention, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	conf = conf.WithDefaults()
	if !gronx.New().IsValid(conf.RetentionSchedule) {
		return nil, fmt.Errorf("persistence: invalid retention schedule %q", conf.RetentionSchedule)
	}
	o := buildOptions(opts)
	o.log = o.log.With(logging.LogFields{"job": "retention"})
	return &Retention{
		store:    st,
		window:   conf.RetentionWindow,
		schedule: conf.RetentionSchedule,
		options:  o,
	}, nil
}

// Cutoff is the expiry instant before which rows are removed.
func (r *Retention) Cutoff() time.Time {
	return r.now().UTC().Add(-r.window)
}

// RunOnce deletes every row that expired before Cutoff.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.Cutoff()
	removed, err := r.store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention cleanup: %w", err)
	}
	r.metrics.observePurged(removed)
	r.log.Info("Retention cleanup finished", logging.LogFields{
		"removed": removed,
		"cutoff":  cutoff.Format(time.RFC3339),
	})
	return removed, nil
}

// Next returns the first scheduled run strictly after t.
func (r *Retention) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(r.schedule, t, false)
}

// Run blocks until ctx is cancelled, cleaning up on every schedule tick.
// Failures are logged and the job waits for the next tick.
func (r *Retention) Run(ctx context.Context) {
	for {
		next, err := r.Next(r.now())
		if err != nil {
			r.log.Error("Cannot compute next retention run", err, nil)
			return
		}
		timer := time.NewTimer(next.Sub(r.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Error("Retention cleanup failed", err, nil)
		}
	}
}
