package snipe

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Client implementations. The manager classifies
// on these with errors.Is, so wrapping is fine.
var (
	ErrTransport          = errors.New("transport failure")
	ErrAuth               = errors.New("authentication rejected")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnexpectedResponse = errors.New("unexpected platform response")

	ErrInvalidJob = errors.New("invalid job")
)

// RejectedError is returned by Client.BookSlot when the platform refuses a
// booking. Retriable means the slot was claimed by a competing client before
// our request landed; re-polling for a fresh slot is the correct response.
// Non-retriable rejections (payment, policy) are terminal.
type RejectedError struct {
	Retriable bool
	Reason    string
}

func (e *RejectedError) Error() string {
	if e.Retriable {
		return fmt.Sprintf("booking rejected (slot gone): %s", e.Reason)
	}
	return fmt.Sprintf("booking rejected: %s", e.Reason)
}

// FailureKind is the closed taxonomy of terminal failures.
type FailureKind string

const (
	FailNone               FailureKind = ""
	FailInvalidJob         FailureKind = "invalid_job"
	FailTransportExhausted FailureKind = "transport_exhausted"
	FailAuth               FailureKind = "auth"
	FailSlotNeverAppeared  FailureKind = "slot_never_appeared"
	FailBookingRejected    FailureKind = "booking_rejected"
)
