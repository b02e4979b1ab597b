// Package jobs persists snipe jobs and their terminal outcomes in postgres.
// The rows are the durable system of record; the in-memory snipe.Job handed
// to a manager is built from a row when its drop approaches.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/resy-sniper/internal/db"
	"github.com/example/resy-sniper/internal/snipe"
)

// Row statuses. scheduled -> running -> (succeeded | failed | cancelled);
// cancel_requested marks a running row whose cancellation the daemon has yet
// to deliver.
const (
	StatusScheduled       = "scheduled"
	StatusRunning         = "running"
	StatusCancelRequested = "cancel_requested"
	StatusSucceeded       = "succeeded"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
)

type Record struct {
	ID            uuid.UUID
	VenueID       string
	PartySize     int
	BookDate      time.Time
	IdealTime     string
	WindowMinutes int
	PreferEarlier bool
	SeatingType   string
	DropTime      time.Time
	Timezone      string

	Status        string
	Confirmation  *string
	FailureKind   *string
	FailureReason *string
	LastSlots     []snipe.Slot

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// ToJob rebuilds the validated immutable job from a persisted row.
func (r Record) ToJob() (snipe.Job, error) {
	return snipe.NewJob(snipe.JobParams{
		VenueID:              r.VenueID,
		PartySize:            r.PartySize,
		IdealDate:            r.BookDate.Format("2006-01-02"),
		IdealTime:            r.IdealTime,
		WindowHours:          float64(r.WindowMinutes) / 60,
		PreferEarlier:        r.PreferEarlier,
		PreferredSeatingType: r.SeatingType,
		DropTime:             r.DropTime,
	}, time.Time{})
}

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const recordCols = `id,venue_id,party_size,book_date,ideal_time,window_minutes,prefer_earlier,seating_type,drop_time,timezone,status,confirmation,failure_kind,failure_reason,last_slots,created_at,updated_at,started_at,finished_at`

func (r *Repo) Create(ctx context.Context, rec Record) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `
INSERT INTO snipe_jobs(venue_id,party_size,book_date,ideal_time,window_minutes,prefer_earlier,seating_type,drop_time,timezone,status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'scheduled')
RETURNING id`,
		rec.VenueID, rec.PartySize, rec.BookDate, rec.IdealTime, rec.WindowMinutes,
		rec.PreferEarlier, rec.SeatingType, rec.DropTime, rec.Timezone,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, db.WrapNotFound(err)
	}
	return id, nil
}

func scanRecord(row db.Row) (Record, error) {
	var rec Record
	var lastSlots []byte
	if err := row.Scan(
		&rec.ID, &rec.VenueID, &rec.PartySize, &rec.BookDate, &rec.IdealTime,
		&rec.WindowMinutes, &rec.PreferEarlier, &rec.SeatingType, &rec.DropTime, &rec.Timezone,
		&rec.Status, &rec.Confirmation, &rec.FailureKind, &rec.FailureReason, &lastSlots,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.StartedAt, &rec.FinishedAt,
	); err != nil {
		return Record{}, err
	}
	if len(lastSlots) > 0 {
		if err := json.Unmarshal(lastSlots, &rec.LastSlots); err != nil {
			return Record{}, fmt.Errorf("decode last_slots: %w", err)
		}
	}
	return rec, nil
}

func (r *Repo) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, `SELECT `+recordCols+` FROM snipe_jobs WHERE id=$1`, id))
	if err != nil {
		return Record{}, db.WrapNotFound(err)
	}
	return rec, nil
}

func (r *Repo) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := r.db.Query(ctx, `SELECT `+recordCols+` FROM snipe_jobs ORDER BY drop_time DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Due returns scheduled rows whose drop time falls at or before the given
// instant (callers pass now plus the poll lead so managers start waiting in
// time).
func (r *Repo) Due(ctx context.Context, before time.Time, limit int) ([]Record, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+recordCols+`
FROM snipe_jobs
WHERE status='scheduled' AND drop_time <= $1
ORDER BY drop_time ASC
LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClaimRunning flips scheduled -> running. The compare-and-swap makes the
// claim safe when several daemon replicas share the table.
func (r *Repo) ClaimRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := r.db.ExecAffected(ctx, `
UPDATE snipe_jobs SET status='running', started_at=now(), updated_at=now()
WHERE id=$1 AND status='scheduled'`, id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RequestCancel cancels a scheduled row outright and flags a running row for
// the daemon to cancel cooperatively. It returns the status after the call.
func (r *Repo) RequestCancel(ctx context.Context, id uuid.UUID) (string, error) {
	n, err := r.db.ExecAffected(ctx, `
UPDATE snipe_jobs SET status='cancelled', finished_at=now(), updated_at=now()
WHERE id=$1 AND status='scheduled'`, id)
	if err != nil {
		return "", err
	}
	if n == 1 {
		return StatusCancelled, nil
	}

	n, err = r.db.ExecAffected(ctx, `
UPDATE snipe_jobs SET status='cancel_requested', updated_at=now()
WHERE id=$1 AND status='running'`, id)
	if err != nil {
		return "", err
	}
	if n == 1 {
		return StatusCancelRequested, nil
	}

	rec, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// CancelRequested lists rows whose running manager should be cancelled.
func (r *Repo) CancelRequested(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM snipe_jobs WHERE status='cancel_requested' LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecordResult writes the terminal outcome. It accepts rows in running or
// cancel_requested state; re-recording a terminal row is a no-op so the sink
// stays idempotent.
//
// A Cancelled result lands as cancelled only when the row carries a user
// cancel request. A cancelled manager whose row is still running was shut
// down mid-run by its daemon, so the row is handed back to scheduled for a
// restarted replica to re-claim.
func (r *Repo) RecordResult(ctx context.Context, id uuid.UUID, res snipe.Result) error {
	status := StatusFailed
	switch res.Status {
	case snipe.StatusSucceeded:
		status = StatusSucceeded
	case snipe.StatusCancelled:
		status = StatusCancelled
	}

	var lastSlots []byte
	if len(res.LastSlots) > 0 {
		var err error
		lastSlots, err = json.Marshal(res.LastSlots)
		if err != nil {
			return fmt.Errorf("encode last_slots: %w", err)
		}
	}

	var confirmation, failureKind, failureReason *string
	if res.Confirmation != "" {
		confirmation = &res.Confirmation
	}
	if res.FailureKind != snipe.FailNone {
		s := string(res.FailureKind)
		failureKind = &s
	}
	if res.Reason != "" {
		failureReason = &res.Reason
	}

	if res.Status == snipe.StatusCancelled {
		n, err := r.db.ExecAffected(ctx, `
UPDATE snipe_jobs
SET status='cancelled', failure_reason=$2, last_slots=$3, finished_at=now(), updated_at=now()
WHERE id=$1 AND status='cancel_requested'`, id, failureReason, lastSlots)
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		return r.db.Exec(ctx, `
UPDATE snipe_jobs SET status='scheduled', started_at=NULL, updated_at=now()
WHERE id=$1 AND status='running'`, id)
	}

	return r.db.Exec(ctx, `
UPDATE snipe_jobs
SET status=$2, confirmation=$3, failure_kind=$4, failure_reason=$5, last_slots=$6,
    finished_at=now(), updated_at=now()
WHERE id=$1 AND status IN ('running','cancel_requested')`,
		id, status, confirmation, failureKind, failureReason, lastSlots)
}

// ReleaseStale returns claimed rows abandoned by a crashed daemon to a
// claimable state. A row whose drop is older than the cutoff cannot have a
// live manager: every run terminates by the poll deadline, so only a replica
// that died without recording a result leaves one behind. Stale running rows
// go back to scheduled; stale cancel-requested rows are simply cancelled.
func (r *Repo) ReleaseStale(ctx context.Context, droppedBefore time.Time) (int64, error) {
	n1, err := r.db.ExecAffected(ctx, `
UPDATE snipe_jobs SET status='scheduled', started_at=NULL, updated_at=now()
WHERE status='running' AND drop_time <= $1`, droppedBefore)
	if err != nil {
		return 0, err
	}
	n2, err := r.db.ExecAffected(ctx, `
UPDATE snipe_jobs SET status='cancelled', finished_at=now(), updated_at=now()
WHERE status='cancel_requested' AND drop_time <= $1`, droppedBefore)
	return n1 + n2, err
}
