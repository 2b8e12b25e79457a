// Package tokencleanup keeps the refresh_tokens table small. Tokens that
// lapsed without being revoked are revoked, and tokens that expired or were
// revoked longer ago than the retention window are deleted. Every write is
// guarded by the row version, so a token touched by a login, refresh or
// logout in the meantime is left alone.
package tokencleanup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/core/metrics"
)

const (
	defaultInterval  = time.Hour
	defaultRetention = 30 * 24 * time.Hour
	defaultBatchSize = 500
	defaultWorkers   = 4
)

type Result struct {
	Scanned   int
	Revoked   int
	Deleted   int
	Conflicts int
}

type Job struct {
	store     Store
	locker    Locker
	interval  time.Duration
	retention time.Duration
	batchSize int
	workers   int
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Job)

func WithClock(fn func() time.Time) Option {
	return func(j *Job) {
		if fn != nil {
			j.now = fn
		}
	}
}

func NewJob(store Store, locker Locker, cfg internal.CleanupConfig, logger *slog.Logger, opts ...Option) *Job {
	if locker == nil {
		locker = &LocalLocker{}
	}
	j := &Job{
		store:     store,
		locker:    locker,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		batchSize: cfg.BatchSize,
		workers:   cfg.Workers,
		logger:    logger,
		now:       time.Now,
	}
	if j.interval <= 0 {
		j.interval = defaultInterval
	}
	if j.retention <= 0 {
		j.retention = defaultRetention
	}
	if j.batchSize <= 0 {
		j.batchSize = defaultBatchSize
	}
	if j.workers <= 0 {
		j.workers = defaultWorkers
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// RunOnce performs a single sweep. It returns ErrAlreadyRunning when another
// sweep holds the lock and ErrLeaseLost when the lock slipped away mid-run.
func (j *Job) RunOnce(parent context.Context) (Result, error) {
	ctx, release, err := j.locker.Acquire(parent)
	if err != nil {
		return Result{}, err
	}
	defer release()

	now := j.now()
	cutoff := now.Add(-j.retention)

	var (
		res     Result
		afterID int64
	)
	for {
		if ctx.Err() != nil {
			return res, context.Cause(ctx)
		}

		batch, err := j.store.ListTokens(ctx, now, cutoff, afterID, j.batchSize)
		if err != nil {
			return res, leaseErr(ctx, err)
		}
		if len(batch) == 0 {
			break
		}
		res.Scanned += len(batch)
		afterID = batch[len(batch)-1].ID

		if err := j.sweep(ctx, batch, now, cutoff, &res); err != nil {
			return res, leaseErr(ctx, err)
		}
		if len(batch) < j.batchSize {
			break
		}
	}

	metrics.ObserveRevoked(metrics.ReasonExpired, res.Revoked)
	metrics.ObservePurged(res.Deleted)
	j.logger.Info("token cleanup finished",
		"scanned", res.Scanned,
		"revoked", res.Revoked,
		"deleted", res.Deleted,
		"conflicts", res.Conflicts)
	return res, nil
}

// Run sweeps immediately and then on every interval until ctx is done.
func (j *Job) Run(ctx context.Context) error {
	j.logger.Info("token cleanup started", "interval", j.interval, "retention", j.retention, "workers", j.workers)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil {
			switch {
			case errors.Is(err, ErrAlreadyRunning):
				j.logger.Info("token cleanup skipped: another run holds the lock")
			case errors.Is(err, ErrLeaseLost):
				j.logger.Warn("token cleanup aborted: lock lease lost")
			case ctx.Err() != nil:
			default:
				j.logger.Error("token cleanup failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			j.logger.Info("token cleanup stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (j *Job) sweep(ctx context.Context, batch []Token, now, cutoff time.Time, res *Result) error {
	tasks := make([]task, 0, len(batch))
	for _, t := range batch {
		if a, ok := plan(t, now, cutoff); ok {
			tasks = append(tasks, task{token: t, action: a})
		}
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	runPool(ctx, j.workers, tasks, j.logger, func(t task) {
		var (
			applied bool
			err     error
		)
		switch t.action {
		case actionDelete:
			applied, err = j.store.Delete(ctx, t.token.ID, t.token.Version)
		case actionRevoke:
			applied, err = j.store.MarkRevoked(ctx, t.token.ID, t.token.Version, now)
		}

		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
		case !applied:
			res.Conflicts++
			j.logger.Debug("token changed during cleanup", "token_id", t.token.ID, "user_id", t.token.UserID, "action", t.action.String())
		case t.action == actionDelete:
			res.Deleted++
		default:
			res.Revoked++
		}
	})

	if firstErr != nil {
		return firstErr
	}
	return context.Cause(ctx)
}

// leaseErr reports ErrLeaseLost over the store error it caused.
func leaseErr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrLeaseLost) {
		return cause
	}
	return err
}

// plan decides what happens to a listed token. Deletion wins over revocation
// so a long-lapsed token is removed in one step.
func plan(t Token, now, cutoff time.Time) (action, bool) {
	if t.ExpiresAt.Before(cutoff) || (t.RevokedAt != nil && t.RevokedAt.Before(cutoff)) {
		return actionDelete, true
	}
	if t.RevokedAt == nil && !now.Before(t.ExpiresAt) {
		return actionRevoke, true
	}
	return 0, false
}
