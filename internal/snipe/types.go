package snipe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a minute-resolution wall-clock time, independent of date.
// Resy slot times are compared at minute granularity.
type TimeOfDay int

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS" (seconds ignored).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Slot is one bookable (date, time, seating type) combination as returned by
// an availability fetch. ConfigToken is the short-lived reference required to
// book this exact slot; it rotates between fetches and must never be reused
// across polls.
type Slot struct {
	Day         string // YYYY-MM-DD
	Time        TimeOfDay
	SeatingType string
	ConfigToken string
}

// Claim carries everything the platform needs to book one specific slot.
type Claim struct {
	ConfigToken     string
	Day             string
	PartySize       int
	PaymentMethodID int64
}

// Client is the platform surface the manager depends on. The production
// implementation lives in internal/resy; tests substitute fakes.
type Client interface {
	FetchAvailability(ctx context.Context, venueID, day string, partySize int) ([]Slot, error)
	BookSlot(ctx context.Context, claim Claim) (confirmation string, err error)
}

// Status is the observable state of one manager run.
type Status int32

const (
	StatusIdle Status = iota
	StatusWaiting
	StatusPolling
	StatusAttempting
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusIdle:       "idle",
	StatusWaiting:    "waiting",
	StatusPolling:    "polling",
	StatusAttempting: "attempting",
	StatusSucceeded:  "succeeded",
	StatusFailed:     "failed",
	StatusCancelled:  "cancelled",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Result is the single terminal outcome of a manager run.
type Result struct {
	Status       Status
	Confirmation string // platform confirmation token, set on success

	FailureKind FailureKind
	Reason      string

	// LastSlots is the availability list seen on the final poll, kept so a
	// failed run can be diagnosed without re-running it.
	LastSlots []Slot

	FinishedAt time.Time
}

// Sink receives the terminal outcome of a job run, exactly once per job.
type Sink interface {
	Report(ctx context.Context, jobID string, res Result) error
}
