package snipe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handle tracks one submitted job. It is safe for concurrent use.
type Handle struct {
	ID  uuid.UUID
	Job Job

	mgr    *Manager
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	res Result
}

// Status reports the live manager state.
func (h *Handle) Status() Status { return h.mgr.Status() }

// Done is closed when the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the terminal outcome, ok=false while still running.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
	default:
		return Result{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.res, true
}

// Wait blocks until the job is terminal or ctx is cancelled. Cancelling the
// wait does not cancel the job.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.res, nil
	}
}

// Runner owns the lifecycle of concurrent snipe jobs: one goroutine and one
// fresh client per job, no shared mutable state between them. Drop times for
// different jobs are unrelated, so jobs never block each other.
type Runner struct {
	newClient func() Client
	clock     Clock
	tun       Tunables
	sink      Sink
	log       *slog.Logger
	payment   int64

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
	wg      sync.WaitGroup
	closed  bool
}

type RunnerConfig struct {
	// NewClient builds a platform client per job so each run owns its own
	// session and connection lifecycle.
	NewClient       func() Client
	Clock           Clock // nil means RealClock
	Tunables        Tunables
	Sink            Sink
	Logger          *slog.Logger
	PaymentMethodID int64
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		newClient: cfg.NewClient,
		clock:     cfg.Clock,
		tun:       cfg.Tunables,
		sink:      cfg.Sink,
		log:       cfg.Logger,
		payment:   cfg.PaymentMethodID,
		handles:   make(map[uuid.UUID]*Handle),
	}
}

// Submit starts a manager run for job under the given id and returns
// immediately with its handle.
func (r *Runner) Submit(ctx context.Context, id uuid.UUID, job Job) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("runner is closed")
	}
	if _, ok := r.handles[id]; ok {
		return nil, fmt.Errorf("job %s already submitted", id)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	mgr := NewManager(job, ManagerConfig{
		JobID:           id.String(),
		Client:          r.newClient(),
		Clock:           r.clock,
		Tunables:        r.tun,
		Sink:            r.sink,
		Logger:          r.log,
		PaymentMethodID: r.payment,
	})
	h := &Handle{
		ID:     id,
		Job:    job,
		mgr:    mgr,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.handles[id] = h

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		res := mgr.Run(runCtx)
		h.mu.Lock()
		h.res = res
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

// Lookup returns the handle for a submitted job.
func (r *Runner) Lookup(id uuid.UUID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Remove forgets a terminal job's handle so a long-lived daemon does not
// accumulate one per job ever run. Live jobs are never removed.
func (r *Runner) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return false
	}
	select {
	case <-h.done:
	default:
		return false
	}
	delete(r.handles, id)
	return true
}

// Cancel requests cooperative cancellation. Waiting and polling stop
// promptly; an in-flight booking attempt completes first.
func (r *Runner) Cancel(id uuid.UUID) error {
	h, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("unknown job %s", id)
	}
	h.cancel()
	return nil
}

// Close stops accepting submissions, cancels every live job, and waits for
// them to finish. In-flight booking attempts still run to completion; a job
// interrupted while waiting or polling ends Cancelled and its persisted row
// is handed back for a restarted replica to re-claim.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	for _, h := range r.handles {
		h.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
