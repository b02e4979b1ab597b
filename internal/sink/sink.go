// Package sink delivers terminal booking results to whoever needs them: the
// log, the job table, and optionally a message queue. The manager calls
// Report exactly once per job.
package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/snipe"
)

// Log writes a structured record of the outcome.
type Log struct {
	Logger *slog.Logger
}

func (s *Log) Report(ctx context.Context, jobID string, res snipe.Result) error {
	attrs := []any{
		"job", jobID,
		"status", res.Status.String(),
		"finished_at", res.FinishedAt,
	}
	switch res.Status {
	case snipe.StatusSucceeded:
		attrs = append(attrs, "confirmation", res.Confirmation)
		s.Logger.Info("reservation booked", attrs...)
	case snipe.StatusCancelled:
		s.Logger.Info("snipe cancelled", attrs...)
	default:
		attrs = append(attrs, "kind", string(res.FailureKind), "reason", res.Reason, "slots_seen", len(res.LastSlots))
		s.Logger.Warn("snipe failed", attrs...)
	}
	return nil
}

// Postgres records the outcome on the persisted job row.
type Postgres struct {
	Repo *jobs.Repo
}

func (s *Postgres) Report(ctx context.Context, jobID string, res snipe.Result) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return err
	}
	return s.Repo.RecordResult(ctx, id, res)
}

// Multi fans a report out to every sink, delivering to all even when some
// fail, and returns the joined errors.
type Multi []snipe.Sink

func (m Multi) Report(ctx context.Context, jobID string, res snipe.Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Report(ctx, jobID, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
