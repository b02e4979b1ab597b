// Package scheduler drives persisted snipe jobs through the runner: it claims
// rows as their drop time approaches, starts a manager per job, delivers
// cooperative cancellations requested through the API, and returns claims
// orphaned by a crashed replica.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/snipe"
)

// JobStore is the slice of the jobs repo the daemon loop needs.
type JobStore interface {
	Due(ctx context.Context, before time.Time, limit int) ([]jobs.Record, error)
	ClaimRunning(ctx context.Context, id uuid.UUID) (bool, error)
	CancelRequested(ctx context.Context, limit int) ([]uuid.UUID, error)
	RecordResult(ctx context.Context, id uuid.UUID, res snipe.Result) error
	ReleaseStale(ctx context.Context, droppedBefore time.Time) (int64, error)
}

// RunHandle is the part of a running job the scheduler watches.
type RunHandle interface {
	Done() <-chan struct{}
}

// JobRunner abstracts the snipe runner.
type JobRunner interface {
	Submit(ctx context.Context, id uuid.UUID, job snipe.Job) (RunHandle, error)
	Cancel(id uuid.UUID) error
	Remove(id uuid.UUID) bool
}

// SnipeRunner adapts *snipe.Runner to JobRunner.
type SnipeRunner struct{ R *snipe.Runner }

func (a SnipeRunner) Submit(ctx context.Context, id uuid.UUID, job snipe.Job) (RunHandle, error) {
	h, err := a.R.Submit(ctx, id, job)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (a SnipeRunner) Cancel(id uuid.UUID) error { return a.R.Cancel(id) }
func (a SnipeRunner) Remove(id uuid.UUID) bool  { return a.R.Remove(id) }

// Locker serializes job claims across replicas. Nil means single replica,
// every claim granted.
type Locker interface {
	TryAcquire(ctx context.Context, jobID string) (bool, error)
	Release(ctx context.Context, jobID string) error
}

type Scheduler struct {
	Repo   JobStore
	Runner JobRunner
	Lock   Locker
	Log    *slog.Logger

	// Tick is the table poll cadence; ClaimHorizon is how far ahead of a
	// drop a job is claimed and handed to the runner, which then does the
	// precise waiting.
	Tick         time.Duration
	ClaimHorizon time.Duration

	// StaleAfter bounds how long past its drop a claimed row may stay
	// running before it is treated as orphaned by a crashed replica. Must
	// exceed the poll deadline with slack; zero disables the sweep.
	StaleAfter time.Duration
}

// Run loops until ctx is cancelled. In-flight managers are owned by the
// runner; the caller closes the runner after Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.Tick)
	defer t.Stop()

	// kick immediately
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.releaseOrphans(ctx)
	s.deliverCancellations(ctx)
	s.claimDue(ctx)
}

func (s *Scheduler) releaseOrphans(ctx context.Context) {
	if s.StaleAfter <= 0 {
		return
	}
	n, err := s.Repo.ReleaseStale(ctx, time.Now().Add(-s.StaleAfter))
	if err != nil {
		s.Log.Error("stale claim sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.Log.Warn("released orphaned job claims", "count", n)
	}
}

func (s *Scheduler) deliverCancellations(ctx context.Context) {
	ids, err := s.Repo.CancelRequested(ctx, 50)
	if err != nil {
		s.Log.Error("cancel-requested query failed", "err", err)
		return
	}
	for _, id := range ids {
		// A miss means the manager runs on another replica; its scheduler
		// will deliver the cancel.
		if err := s.Runner.Cancel(id); err == nil {
			s.Log.Info("cancellation delivered", "job", id)
		}
	}
}

func (s *Scheduler) claimDue(ctx context.Context) {
	recs, err := s.Repo.Due(ctx, time.Now().Add(s.ClaimHorizon), 25)
	if err != nil {
		s.Log.Error("due jobs query failed", "err", err)
		return
	}

	for _, rec := range recs {
		rec := rec
		acquired, err := s.tryAcquire(ctx, rec.ID.String())
		if err != nil {
			s.Log.Error("job lock failed", "job", rec.ID, "err", err)
			continue
		}
		if !acquired {
			continue
		}
		if ok, err := s.Repo.ClaimRunning(ctx, rec.ID); err != nil || !ok {
			if err != nil {
				s.Log.Error("claim failed", "job", rec.ID, "err", err)
			}
			s.release(ctx, rec.ID.String())
			continue
		}

		job, err := rec.ToJob()
		if err != nil {
			// row predates a validation change; record the terminal failure
			// instead of retrying it forever
			s.Log.Error("persisted job no longer valid", "job", rec.ID, "err", err)
			_ = s.Repo.RecordResult(ctx, rec.ID, snipe.Result{
				Status:      snipe.StatusFailed,
				FailureKind: snipe.FailInvalidJob,
				Reason:      err.Error(),
				FinishedAt:  time.Now(),
			})
			s.release(ctx, rec.ID.String())
			continue
		}

		h, err := s.Runner.Submit(ctx, rec.ID, job)
		if err != nil {
			s.Log.Error("submit failed", "job", rec.ID, "err", err)
			s.release(ctx, rec.ID.String())
			continue
		}
		s.Log.Info("job claimed", "job", rec.ID, "venue", job.VenueID, "drop", job.DropTime)

		go func() {
			<-h.Done()
			s.release(context.Background(), rec.ID.String())
			s.Runner.Remove(rec.ID)
		}()
	}
}

func (s *Scheduler) tryAcquire(ctx context.Context, jobID string) (bool, error) {
	if s.Lock == nil {
		return true, nil
	}
	return s.Lock.TryAcquire(ctx, jobID)
}

func (s *Scheduler) release(ctx context.Context, jobID string) {
	if s.Lock == nil {
		return
	}
	_ = s.Lock.Release(ctx, jobID)
}
