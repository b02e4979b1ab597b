package snipe

import (
	"fmt"
	"time"
)

// JobParams is the raw, unvalidated description of what to book and when.
// Exactly one of IdealDate and DaysInAdvance must be set: IdealDate is a
// fixed calendar date (YYYY-MM-DD), DaysInAdvance books the date that many
// days after "now" (the usual shape for venues that release N days out).
type JobParams struct {
	VenueID   string
	PartySize int

	IdealDate     string // YYYY-MM-DD; empty means unset
	DaysInAdvance int    // > 0 means set

	IdealTime   string  // HH:MM, diner's preferred time
	WindowHours float64 // tolerance around IdealTime, closed interval

	PreferEarlier bool

	// PreferredSeatingType is a hard filter when non-empty: if no slot in the
	// window matches it, nothing is booked.
	PreferredSeatingType string

	// DropTime is the platform-local instant availability is expected to go
	// live. Booking is never attempted before it.
	DropTime time.Time
}

// Job is the validated, immutable booking intent. Construct with NewJob;
// a Job is only ever consumed, never mutated.
type Job struct {
	VenueID     string
	PartySize   int
	BookDate    time.Time // resolved calendar date, midnight
	IdealTime   TimeOfDay
	Window      time.Duration
	PreferEarlier bool
	SeatingType string
	DropTime    time.Time
}

// NewJob validates params and resolves DaysInAdvance against now.
// All violations return errors wrapping ErrInvalidJob.
func NewJob(p JobParams, now time.Time) (Job, error) {
	if p.VenueID == "" {
		return Job{}, fmt.Errorf("%w: venue id required", ErrInvalidJob)
	}
	if p.PartySize < 1 {
		return Job{}, fmt.Errorf("%w: party size must be >= 1", ErrInvalidJob)
	}
	if p.IdealDate != "" && p.DaysInAdvance > 0 {
		return Job{}, fmt.Errorf("%w: ideal date and days-in-advance are mutually exclusive", ErrInvalidJob)
	}
	if p.IdealDate == "" && p.DaysInAdvance <= 0 {
		return Job{}, fmt.Errorf("%w: one of ideal date or days-in-advance is required", ErrInvalidJob)
	}
	if p.WindowHours < 0 {
		return Job{}, fmt.Errorf("%w: window hours must be >= 0", ErrInvalidJob)
	}
	if p.DropTime.IsZero() {
		return Job{}, fmt.Errorf("%w: drop time required", ErrInvalidJob)
	}

	ideal, err := ParseTimeOfDay(p.IdealTime)
	if err != nil {
		return Job{}, fmt.Errorf("%w: ideal time: %v", ErrInvalidJob, err)
	}

	var bookDate time.Time
	if p.IdealDate != "" {
		bookDate, err = time.Parse("2006-01-02", p.IdealDate)
		if err != nil {
			return Job{}, fmt.Errorf("%w: ideal date %q (want YYYY-MM-DD)", ErrInvalidJob, p.IdealDate)
		}
	} else {
		y, m, d := now.AddDate(0, 0, p.DaysInAdvance).Date()
		bookDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	return Job{
		VenueID:       p.VenueID,
		PartySize:     p.PartySize,
		BookDate:      bookDate,
		IdealTime:     ideal,
		Window:        time.Duration(p.WindowHours * float64(time.Hour)),
		PreferEarlier: p.PreferEarlier,
		SeatingType:   p.PreferredSeatingType,
		DropTime:      p.DropTime,
	}, nil
}

// Day is the availability-query date in platform wire format.
func (j Job) Day() string {
	return j.BookDate.Format("2006-01-02")
}

// Key is the natural identity of a snipe attempt. Jobs differing only in
// preference fields share nothing; two jobs with the same key are duplicates.
func (j Job) Key() string {
	return fmt.Sprintf("%s|%s|%d", j.VenueID, j.Day(), j.DropTime.Unix())
}
