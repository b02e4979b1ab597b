package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/snipe"
)

type fakeStore struct {
	mu sync.Mutex

	due        []jobs.Record
	dueErr     error
	cancels    []uuid.UUID
	claimOK    map[uuid.UUID]bool
	claimed    []uuid.UUID
	results    map[uuid.UUID]snipe.Result
	staleCalls []time.Time
	staleN     int64
}

func (f *fakeStore) Due(ctx context.Context, before time.Time, limit int) ([]jobs.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, f.dueErr
}

func (f *fakeStore) ClaimRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok, found := f.claimOK[id]
	if !found {
		ok = true
	}
	if ok {
		f.claimed = append(f.claimed, id)
	}
	return ok, nil
}

func (f *fakeStore) CancelRequested(ctx context.Context, limit int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels, nil
}

func (f *fakeStore) RecordResult(ctx context.Context, id uuid.UUID, res snipe.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = map[uuid.UUID]snipe.Result{}
	}
	f.results[id] = res
	return nil
}

func (f *fakeStore) ReleaseStale(ctx context.Context, droppedBefore time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCalls = append(f.staleCalls, droppedBefore)
	return f.staleN, nil
}

type fakeHandle struct{ done chan struct{} }

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

type fakeRunner struct {
	mu        sync.Mutex
	submits   []uuid.UUID
	submitErr error
	handles   map[uuid.UUID]*fakeHandle
	cancelled []uuid.UUID
	removed   []uuid.UUID
}

func (f *fakeRunner) Submit(ctx context.Context, id uuid.UUID, job snipe.Job) (RunHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submits = append(f.submits, id)
	h := &fakeHandle{done: make(chan struct{})}
	if f.handles == nil {
		f.handles = map[uuid.UUID]*fakeHandle{}
	}
	f.handles[id] = h
	return h, nil
}

func (f *fakeRunner) Cancel(id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeRunner) Remove(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return true
}

func (f *fakeRunner) finish(id uuid.UUID) {
	f.mu.Lock()
	h := f.handles[id]
	f.mu.Unlock()
	close(h.done)
}

type fakeLock struct {
	mu       sync.Mutex
	denied   map[string]bool
	held     []string
	released []string
}

func (f *fakeLock) TryAcquire(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[jobID] {
		return false, nil
	}
	f.held = append(f.held, jobID)
	return true, nil
}

func (f *fakeLock) Release(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, jobID)
	return nil
}

func (f *fakeLock) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func validRecord() jobs.Record {
	return jobs.Record{
		ID:            uuid.New(),
		VenueID:       "8274",
		PartySize:     2,
		BookDate:      time.Date(2025, 7, 4, 0, 0, 0, 0, time.UTC),
		IdealTime:     "19:00",
		WindowMinutes: 60,
		DropTime:      time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC),
		Status:        jobs.StatusScheduled,
	}
}

func newTestScheduler(store *fakeStore, runner *fakeRunner, lk Locker) *Scheduler {
	s := &Scheduler{
		Repo:         store,
		Runner:       runner,
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Tick:         time.Second,
		ClaimHorizon: 30 * time.Second,
	}
	if lk != nil {
		s.Lock = lk
	}
	return s
}

func TestSchedulerClaimsAndSubmitsDueJob(t *testing.T) {
	rec := validRecord()
	store := &fakeStore{due: []jobs.Record{rec}}
	runner := &fakeRunner{}
	lk := &fakeLock{}
	s := newTestScheduler(store, runner, lk)

	s.tick(context.Background())

	require.Equal(t, []uuid.UUID{rec.ID}, store.claimed)
	require.Equal(t, []uuid.UUID{rec.ID}, runner.submits)
	assert.Equal(t, []string{rec.ID.String()}, lk.held)
	assert.Empty(t, lk.releasedIDs(), "lock held while the job runs")

	// the lock is let go and the handle pruned once the run ends
	runner.finish(rec.ID)
	assert.Eventually(t, func() bool {
		runner.mu.Lock()
		removed := len(runner.removed) == 1
		runner.mu.Unlock()
		return removed && len(lk.releasedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerSkipsJobHeldByAnotherReplica(t *testing.T) {
	rec := validRecord()
	store := &fakeStore{due: []jobs.Record{rec}}
	runner := &fakeRunner{}
	lk := &fakeLock{denied: map[string]bool{rec.ID.String(): true}}
	s := newTestScheduler(store, runner, lk)

	s.tick(context.Background())

	assert.Empty(t, store.claimed, "no row claim without the lock")
	assert.Empty(t, runner.submits)
}

func TestSchedulerReleasesLockOnClaimMiss(t *testing.T) {
	rec := validRecord()
	store := &fakeStore{
		due:     []jobs.Record{rec},
		claimOK: map[uuid.UUID]bool{rec.ID: false},
	}
	runner := &fakeRunner{}
	lk := &fakeLock{}
	s := newTestScheduler(store, runner, lk)

	s.tick(context.Background())

	assert.Empty(t, runner.submits, "another scheduler already owns the row")
	assert.Equal(t, []string{rec.ID.String()}, lk.releasedIDs())
}

func TestSchedulerRecordsTerminalFailureForInvalidRow(t *testing.T) {
	rec := validRecord()
	rec.PartySize = 0
	store := &fakeStore{due: []jobs.Record{rec}}
	runner := &fakeRunner{}
	lk := &fakeLock{}
	s := newTestScheduler(store, runner, lk)

	s.tick(context.Background())

	assert.Empty(t, runner.submits)
	require.Contains(t, store.results, rec.ID)
	res := store.results[rec.ID]
	assert.Equal(t, snipe.StatusFailed, res.Status)
	assert.Equal(t, snipe.FailInvalidJob, res.FailureKind)
	assert.Equal(t, []string{rec.ID.String()}, lk.releasedIDs())
}

func TestSchedulerReleasesLockOnSubmitError(t *testing.T) {
	rec := validRecord()
	store := &fakeStore{due: []jobs.Record{rec}}
	runner := &fakeRunner{submitErr: errors.New("runner is closed")}
	lk := &fakeLock{}
	s := newTestScheduler(store, runner, lk)

	s.tick(context.Background())

	assert.Equal(t, []string{rec.ID.String()}, lk.releasedIDs())
}

func TestSchedulerDeliversRequestedCancellations(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{cancels: []uuid.UUID{id}}
	runner := &fakeRunner{}
	s := newTestScheduler(store, runner, nil)

	s.tick(context.Background())

	assert.Equal(t, []uuid.UUID{id}, runner.cancelled)
}

func TestSchedulerSweepsOrphanedClaims(t *testing.T) {
	store := &fakeStore{staleN: 2}
	runner := &fakeRunner{}
	s := newTestScheduler(store, runner, nil)
	s.StaleAfter = 30 * time.Minute

	before := time.Now().Add(-s.StaleAfter)
	s.tick(context.Background())

	require.Len(t, store.staleCalls, 1)
	cutoff := store.staleCalls[0]
	assert.WithinDuration(t, before, cutoff, time.Second)
}

func TestSchedulerSweepDisabledByDefault(t *testing.T) {
	store := &fakeStore{}
	runner := &fakeRunner{}
	s := newTestScheduler(store, runner, nil)

	s.tick(context.Background())

	assert.Empty(t, store.staleCalls)
}

func TestSchedulerRunsWithoutLocker(t *testing.T) {
	rec := validRecord()
	store := &fakeStore{due: []jobs.Record{rec}}
	runner := &fakeRunner{}
	s := newTestScheduler(store, runner, nil)

	s.tick(context.Background())

	assert.Equal(t, []uuid.UUID{rec.ID}, runner.submits)
}
