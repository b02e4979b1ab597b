package snipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Tunables are the operational knobs of a snipe run. The right values depend
// on observed platform behavior and are deliberately configuration, not
// constants.
type Tunables struct {
	// PollLead starts polling this long before DropTime to absorb clock skew
	// and be mid-flight the instant availability flips live.
	PollLead time.Duration
	// PollInterval is the delay between availability fetches while nothing
	// matches. Short enough to win races, long enough to stay under rate
	// limits.
	PollInterval time.Duration
	// PollDeadline bounds total wall clock spent after DropTime before the
	// run fails with slot_never_appeared.
	PollDeadline time.Duration

	// Transport retry budget: consecutive transport/rate-limit failures back
	// off exponentially from BackoffBase up to BackoffCap; exceeding
	// MaxTransportRetries is terminal.
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	MaxTransportRetries int

	// MaxSoftRejects bounds how many lost races (slot claimed by someone
	// else between fetch and book) are retried before giving up.
	MaxSoftRejects int
}

// DefaultTunables are sane starting points, expected to be overridden from
// configuration per venue behavior.
func DefaultTunables() Tunables {
	return Tunables{
		PollLead:            5 * time.Second,
		PollInterval:        500 * time.Millisecond,
		PollDeadline:        20 * time.Minute,
		BackoffBase:         250 * time.Millisecond,
		BackoffCap:          5 * time.Second,
		MaxTransportRetries: 8,
		MaxSoftRejects:      5,
	}
}

// Manager runs one Job to its single terminal Result. One manager per job;
// managers share nothing. The state machine is strictly sequential:
// idle -> waiting -> polling -> attempting -> terminal, with
// polling <-> attempting cycling only on soft rejects.
type Manager struct {
	job    Job
	client Client
	clock  Clock
	tun    Tunables
	sink   Sink
	log    *slog.Logger

	jobID           string
	paymentMethodID int64

	status atomic.Int32
}

// ManagerConfig wires a Manager's collaborators explicitly; nothing is
// process-global, so concurrent jobs cannot interfere.
type ManagerConfig struct {
	JobID           string
	Client          Client
	Clock           Clock // nil means RealClock
	Tunables        Tunables
	Sink            Sink // nil means outcome is only returned, not reported
	Logger          *slog.Logger
	PaymentMethodID int64
}

func NewManager(job Job, cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		job:             job,
		client:          cfg.Client,
		clock:           cfg.Clock,
		tun:             cfg.Tunables,
		sink:            cfg.Sink,
		log:             cfg.Logger.With("job", cfg.JobID, "venue", job.VenueID, "day", job.Day()),
		jobID:           cfg.JobID,
		paymentMethodID: cfg.PaymentMethodID,
	}
	m.status.Store(int32(StatusIdle))
	return m
}

// Status is safe to call from any goroutine while Run is in flight.
func (m *Manager) Status() Status { return Status(m.status.Load()) }

func (m *Manager) setStatus(s Status) { m.status.Store(int32(s)) }

// Run drives the job to a terminal state and reports the result through the
// sink exactly once. Cancelling ctx is honored in the waiting and polling
// phases; an in-flight booking attempt always runs to completion first so the
// platform-side hold is never left ambiguous.
func (m *Manager) Run(ctx context.Context) Result {
	res := m.run(ctx)
	res.FinishedAt = m.clock.Now()
	m.setStatus(res.Status)

	switch res.Status {
	case StatusSucceeded:
		m.log.Info("booked", "confirmation", res.Confirmation)
	case StatusCancelled:
		m.log.Info("cancelled")
	default:
		m.log.Warn("failed", "kind", string(res.FailureKind), "reason", res.Reason)
	}

	if m.sink != nil {
		// Terminal outcomes must be delivered even when the run context is
		// already cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.sink.Report(rctx, m.jobID, res); err != nil {
			m.log.Error("result report failed", "err", err)
		}
	}
	return res
}

func (m *Manager) run(ctx context.Context) Result {
	// Waiting: suspend until just before the drop.
	m.setStatus(StatusWaiting)
	pollStart := m.job.DropTime.Add(-m.tun.PollLead)
	if wait := pollStart.Sub(m.clock.Now()); wait > 0 {
		m.log.Info("waiting for drop", "drop", m.job.DropTime, "wait", wait)
		if err := m.clock.Sleep(ctx, wait); err != nil {
			return Result{Status: StatusCancelled, Reason: "cancelled while waiting for drop"}
		}
	}
	if ctx.Err() != nil {
		return Result{Status: StatusCancelled, Reason: "cancelled while waiting for drop"}
	}

	deadline := m.job.DropTime.Add(m.tun.PollDeadline)

	var (
		lastSlots        []Slot
		transportRetries int
		softRejects      int
		backoff          = m.tun.BackoffBase
	)

	m.setStatus(StatusPolling)
	m.log.Info("polling", "interval", m.tun.PollInterval, "deadline", deadline)

	for {
		if ctx.Err() != nil {
			return Result{Status: StatusCancelled, Reason: "cancelled while polling", LastSlots: lastSlots}
		}
		if m.clock.Now().After(deadline) {
			return Result{
				Status:      StatusFailed,
				FailureKind: FailSlotNeverAppeared,
				Reason:      fmt.Sprintf("no matching slot within %s of drop", m.tun.PollDeadline),
				LastSlots:   lastSlots,
			}
		}

		slots, err := m.client.FetchAvailability(ctx, m.job.VenueID, m.job.Day(), m.job.PartySize)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				return Result{
					Status:      StatusFailed,
					FailureKind: FailAuth,
					Reason:      err.Error(),
					LastSlots:   lastSlots,
				}
			}
			// Malformed payloads are treated the same as transport hiccups:
			// the platform is flaky around drops and a clean retry is cheap.
			if errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnexpectedResponse) {
				transportRetries++
				if transportRetries > m.tun.MaxTransportRetries {
					return Result{
						Status:      StatusFailed,
						FailureKind: FailTransportExhausted,
						Reason:      fmt.Sprintf("gave up after %d transport failures: %v", transportRetries, err),
						LastSlots:   lastSlots,
					}
				}
				m.log.Warn("fetch failed, backing off", "attempt", transportRetries, "backoff", backoff, "err", err)
				if serr := m.clock.Sleep(ctx, backoff); serr != nil {
					return Result{Status: StatusCancelled, Reason: "cancelled while polling", LastSlots: lastSlots}
				}
				backoff = minDuration(backoff*2, m.tun.BackoffCap)
				continue
			}
			// Unclassified client error; treat as transport rather than
			// aborting a run that might still win.
			transportRetries++
			if transportRetries > m.tun.MaxTransportRetries {
				return Result{
					Status:      StatusFailed,
					FailureKind: FailTransportExhausted,
					Reason:      fmt.Sprintf("gave up after %d transport failures: %v", transportRetries, err),
					LastSlots:   lastSlots,
				}
			}
			if serr := m.clock.Sleep(ctx, backoff); serr != nil {
				return Result{Status: StatusCancelled, Reason: "cancelled while polling", LastSlots: lastSlots}
			}
			backoff = minDuration(backoff*2, m.tun.BackoffCap)
			continue
		}

		transportRetries = 0
		backoff = m.tun.BackoffBase
		lastSlots = slots

		best, ok := SelectBestSlot(slots, m.job.IdealTime, m.job.Window, m.job.PreferEarlier, m.job.SeatingType)
		if !ok {
			if serr := m.clock.Sleep(ctx, m.tun.PollInterval); serr != nil {
				return Result{Status: StatusCancelled, Reason: "cancelled while polling", LastSlots: lastSlots}
			}
			continue
		}

		// Slots sometimes leak out while polling through the lead window,
		// but booking never starts before the drop instant. The wait ends
		// with a fresh fetch: a token minted pre-drop may not survive it.
		if gate := m.job.DropTime.Sub(m.clock.Now()); gate > 0 {
			if serr := m.clock.Sleep(ctx, gate); serr != nil {
				return Result{Status: StatusCancelled, Reason: "cancelled while polling", LastSlots: lastSlots}
			}
			continue
		}

		// Attempting. The book call is shielded from cancellation: once it
		// starts it runs to completion, and its outcome is recorded before
		// any pending cancel is honored.
		m.setStatus(StatusAttempting)
		m.log.Info("attempting", "slot", best.Time.String(), "seating", best.SeatingType)

		confirmation, bookErr := m.client.BookSlot(context.WithoutCancel(ctx), Claim{
			ConfigToken:     best.ConfigToken,
			Day:             m.job.Day(),
			PartySize:       m.job.PartySize,
			PaymentMethodID: m.paymentMethodID,
		})
		if bookErr == nil {
			return Result{Status: StatusSucceeded, Confirmation: confirmation, LastSlots: lastSlots}
		}

		var rej *RejectedError
		switch {
		case errors.As(bookErr, &rej) && rej.Retriable:
			softRejects++
			m.log.Info("lost race for slot", "slot", best.Time.String(), "rejects", softRejects)
			if ctx.Err() != nil {
				return Result{Status: StatusCancelled, Reason: "cancelled after losing slot race", LastSlots: lastSlots}
			}
			if softRejects > m.tun.MaxSoftRejects {
				return Result{
					Status:      StatusFailed,
					FailureKind: FailBookingRejected,
					Reason:      fmt.Sprintf("lost the race %d times: %s", softRejects, rej.Reason),
					LastSlots:   lastSlots,
				}
			}
			// Straight back to polling, no backoff: the race window is brief
			// and a fresh fetch is the only way to a valid token.
			m.setStatus(StatusPolling)
			continue
		case errors.As(bookErr, &rej):
			return Result{
				Status:      StatusFailed,
				FailureKind: FailBookingRejected,
				Reason:      rej.Reason,
				LastSlots:   lastSlots,
			}
		case errors.Is(bookErr, ErrAuth):
			return Result{
				Status:      StatusFailed,
				FailureKind: FailAuth,
				Reason:      bookErr.Error(),
				LastSlots:   lastSlots,
			}
		default:
			// Transport failure mid-book: the hold state is unknown, but the
			// token is stale either way. Count it against the transport
			// budget and re-poll for a fresh slot.
			transportRetries++
			if transportRetries > m.tun.MaxTransportRetries {
				return Result{
					Status:      StatusFailed,
					FailureKind: FailTransportExhausted,
					Reason:      fmt.Sprintf("gave up after %d transport failures: %v", transportRetries, bookErr),
					LastSlots:   lastSlots,
				}
			}
			if ctx.Err() != nil {
				return Result{Status: StatusCancelled, Reason: "cancelled after failed booking attempt", LastSlots: lastSlots}
			}
			m.setStatus(StatusPolling)
			if serr := m.clock.Sleep(ctx, backoff); serr != nil {
				return Result{Status: StatusCancelled, Reason: "cancelled while polling", LastSlots: lastSlots}
			}
			backoff = minDuration(backoff*2, m.tun.BackoffCap)
			continue
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
