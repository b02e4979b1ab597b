package snipe

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances instantly on Sleep so runs covering hours of simulated
// wall clock finish in microseconds.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// fakeClient scripts availability and booking responses per call number.
type fakeClient struct {
	mu      sync.Mutex
	fetches int
	books   int
	onFetch func(call int) ([]Slot, error)
	onBook  func(call int, claim Claim) (string, error)
}

func (f *fakeClient) FetchAvailability(ctx context.Context, venueID, day string, partySize int) ([]Slot, error) {
	f.mu.Lock()
	f.fetches++
	n := f.fetches
	f.mu.Unlock()
	return f.onFetch(n)
}

func (f *fakeClient) BookSlot(ctx context.Context, claim Claim) (string, error) {
	f.mu.Lock()
	f.books++
	n := f.books
	f.mu.Unlock()
	return f.onBook(n, claim)
}

func (f *fakeClient) counts() (fetches, books int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.books
}

type recordingSink struct {
	mu      sync.Mutex
	reports []Result
	ids     []string
}

func (s *recordingSink) Report(ctx context.Context, jobID string, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, res)
	s.ids = append(s.ids, jobID)
	return nil
}

var testDrop = time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)

func testJob(t *testing.T) Job {
	t.Helper()
	j, err := NewJob(JobParams{
		VenueID:     "8274",
		PartySize:   2,
		IdealDate:   "2025-07-04",
		IdealTime:   "19:00",
		WindowHours: 1,
		DropTime:    testDrop,
	}, testDrop.Add(-30*24*time.Hour))
	require.NoError(t, err)
	return j
}

func testTunables() Tunables {
	return Tunables{
		PollLead:            2 * time.Second,
		PollInterval:        time.Second,
		PollDeadline:        10 * time.Minute,
		BackoffBase:         time.Second,
		BackoffCap:          8 * time.Second,
		MaxTransportRetries: 4,
		MaxSoftRejects:      3,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, client Client, tun Tunables, sink Sink) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock(testDrop.Add(-time.Hour))
	m := NewManager(testJob(t), ManagerConfig{
		JobID:    "test-job",
		Client:   client,
		Clock:    clock,
		Tunables: tun,
		Sink:     sink,
		Logger:   quietLogger(),
	})
	return m, clock
}

func availableSlot() Slot {
	return Slot{Day: "2025-07-04", Time: 19 * 60, SeatingType: "Dining Room", ConfigToken: "cfg-1"}
}

func TestManagerBooksImmediately(t *testing.T) {
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) { return []Slot{availableSlot()}, nil },
		onBook:  func(int, Claim) (string, error) { return "resy-confirm-1", nil },
	}
	sink := &recordingSink{}
	m, clock := newTestManager(t, client, testTunables(), sink)

	res := m.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "resy-confirm-1", res.Confirmation)
	assert.Equal(t, StatusSucceeded, m.Status())
	// the pre-drop wait was simulated, not real
	assert.False(t, clock.Now().Before(testDrop.Add(-testTunables().PollLead)))

	require.Len(t, sink.reports, 1, "result reported exactly once")
	assert.Equal(t, "test-job", sink.ids[0])
	assert.Equal(t, StatusSucceeded, sink.reports[0].Status)
}

func TestManagerRetriesLostRace(t *testing.T) {
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) { return []Slot{availableSlot()}, nil },
		onBook: func(call int, _ Claim) (string, error) {
			if call == 1 {
				return "", &RejectedError{Retriable: true, Reason: "slot no longer available"}
			}
			return "resy-confirm-2", nil
		},
	}
	m, _ := newTestManager(t, client, testTunables(), nil)

	res := m.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	fetches, books := client.counts()
	assert.Equal(t, 2, books)
	// one pre-drop fetch that only arms the gate, then one per attempt
	assert.Equal(t, 3, fetches, "a fresh availability fetch precedes every attempt")
}

func TestManagerNeverBooksBeforeDrop(t *testing.T) {
	var (
		bookedAt time.Time
		clock    *fakeClock
	)
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) { return []Slot{availableSlot()}, nil },
		onBook: func(int, Claim) (string, error) {
			bookedAt = clock.Now()
			return "resy-confirm-4", nil
		},
	}
	m, c := newTestManager(t, client, testTunables(), nil)
	clock = c

	res := m.Run(context.Background())

	require.Equal(t, StatusSucceeded, res.Status)
	// the slot leaked during the lead window; booking still held for the drop
	assert.False(t, bookedAt.Before(testDrop), "booked at %s, drop is %s", bookedAt, testDrop)
	fetches, books := client.counts()
	assert.Equal(t, 1, books)
	assert.Equal(t, 2, fetches, "the post-drop attempt uses a fresh token")
}

func TestManagerSoftRejectCeiling(t *testing.T) {
	tun := testTunables()
	tun.MaxSoftRejects = 2
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) { return []Slot{availableSlot()}, nil },
		onBook: func(int, Claim) (string, error) {
			return "", &RejectedError{Retriable: true, Reason: "slot no longer available"}
		},
	}
	m, _ := newTestManager(t, client, tun, nil)

	res := m.Run(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailBookingRejected, res.FailureKind)
	_, books := client.counts()
	assert.Equal(t, 3, books, "ceiling of 2 retries means 3 total attempts")
}

func TestManagerHardRejectIsTerminal(t *testing.T) {
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) { return []Slot{availableSlot()}, nil },
		onBook: func(int, Claim) (string, error) {
			return "", &RejectedError{Retriable: false, Reason: "payment method declined"}
		},
	}
	m, _ := newTestManager(t, client, testTunables(), nil)

	res := m.Run(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailBookingRejected, res.FailureKind)
	assert.Contains(t, res.Reason, "payment")
	_, books := client.counts()
	assert.Equal(t, 1, books)
}

func TestManagerDeadlineWithoutSlot(t *testing.T) {
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) { return nil, nil },
		onBook: func(int, Claim) (string, error) {
			t.Fatal("book must not be called")
			return "", nil
		},
	}
	m, clock := newTestManager(t, client, testTunables(), nil)

	res := m.Run(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailSlotNeverAppeared, res.FailureKind)
	assert.True(t, clock.Now().After(testDrop.Add(testTunables().PollDeadline)))
	fetches, _ := client.counts()
	assert.Greater(t, fetches, 10, "polled repeatedly until the deadline")
}

func TestManagerSeatingFilterHoldsUntilDeadline(t *testing.T) {
	barOnly := Slot{Day: "2025-07-04", Time: 19 * 60, SeatingType: "Bar", ConfigToken: "cfg-bar"}
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) { return []Slot{barOnly}, nil },
		onBook: func(int, Claim) (string, error) {
			t.Fatal("book must not be called for non-matching seating")
			return "", nil
		},
	}
	job, err := NewJob(JobParams{
		VenueID:              "8274",
		PartySize:            2,
		IdealDate:            "2025-07-04",
		IdealTime:            "19:00",
		WindowHours:          1,
		PreferredSeatingType: "Patio",
		DropTime:             testDrop,
	}, testDrop.Add(-30*24*time.Hour))
	require.NoError(t, err)
	clock := newFakeClock(testDrop.Add(-time.Minute))
	m := NewManager(job, ManagerConfig{
		JobID:    "test-job",
		Client:   client,
		Clock:    clock,
		Tunables: testTunables(),
		Logger:   quietLogger(),
	})

	res := m.Run(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailSlotNeverAppeared, res.FailureKind)
	require.Len(t, res.LastSlots, 1, "last seen slots kept for diagnosis")
	assert.Equal(t, "Bar", res.LastSlots[0].SeatingType)
}

func TestManagerTransportExhausted(t *testing.T) {
	tun := testTunables()
	tun.MaxTransportRetries = 3
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) { return nil, ErrTransport },
		onBook:  func(int, Claim) (string, error) { return "", nil },
	}
	m, _ := newTestManager(t, client, tun, nil)

	res := m.Run(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailTransportExhausted, res.FailureKind)
	fetches, _ := client.counts()
	assert.Equal(t, 4, fetches)
}

func TestManagerRateLimitBacksOffThenRecovers(t *testing.T) {
	client := &fakeClient{
		onFetch: func(call int) ([]Slot, error) {
			if call <= 2 {
				return nil, ErrRateLimited
			}
			return []Slot{availableSlot()}, nil
		},
		onBook: func(int, Claim) (string, error) { return "ok", nil },
	}
	m, _ := newTestManager(t, client, testTunables(), nil)

	res := m.Run(context.Background())

	assert.Equal(t, StatusSucceeded, res.Status)
	fetches, _ := client.counts()
	assert.Equal(t, 3, fetches)
}

func TestManagerAuthErrorIsImmediatelyTerminal(t *testing.T) {
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) { return nil, ErrAuth },
		onBook:  func(int, Claim) (string, error) { return "", nil },
	}
	m, _ := newTestManager(t, client, testTunables(), nil)

	res := m.Run(context.Background())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, FailAuth, res.FailureKind)
	fetches, _ := client.counts()
	assert.Equal(t, 1, fetches, "auth failures are never retried")
}

func TestManagerCancelDuringWaiting(t *testing.T) {
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) {
			t.Fatal("fetch must not run after cancellation in waiting")
			return nil, nil
		},
		onBook: func(int, Claim) (string, error) { return "", nil },
	}
	m, _ := newTestManager(t, client, testTunables(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := m.Run(ctx)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, StatusCancelled, m.Status())
}

func TestManagerCancelNeverInterruptsInFlightBooking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) { return []Slot{availableSlot()}, nil },
		onBook: func(int, Claim) (string, error) {
			// cancellation arrives while the book call is in flight
			cancel()
			return "resy-confirm-3", nil
		},
	}
	m, _ := newTestManager(t, client, testTunables(), nil)

	res := m.Run(ctx)

	assert.Equal(t, StatusSucceeded, res.Status, "completed booking outcome wins over pending cancel")
	assert.Equal(t, "resy-confirm-3", res.Confirmation)
}

func TestManagerCancelHonoredAfterLostRace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{
		onFetch: func(int) ([]Slot, error) { return []Slot{availableSlot()}, nil },
		onBook: func(int, Claim) (string, error) {
			cancel()
			return "", &RejectedError{Retriable: true, Reason: "slot no longer available"}
		},
	}
	m, _ := newTestManager(t, client, testTunables(), nil)

	res := m.Run(ctx)

	assert.Equal(t, StatusCancelled, res.Status)
	_, books := client.counts()
	assert.Equal(t, 1, books, "no further attempts after cancellation")
}
