package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Conditions reported by storage backends. Backends wrap these so callers can
// match them with errors.Is.
var (
	// ErrUnexpectedStreamSequence means the expected sequence of a write did
	// not match the current state of the stream or projection stream.
	ErrUnexpectedStreamSequence = errors.New("unexpected stream sequence")

	// ErrDuplicatedEntry means an event identity or index entry already exists.
	ErrDuplicatedEntry = errors.New("duplicated entry")

	// ErrMissingIndexEntry means a batch of index entries is not contiguous.
	ErrMissingIndexEntry = errors.New("missing index entry")
)

const anySequence = -1

// ExpectedSequence is the optimistic concurrency claim of a write.
//
// Exact(n) claims that n is the last durable sequence of the stream, with
// Exact(0) meaning the stream must be empty. Any() skips the check: the
// events are appended after whatever the stream holds. The zero value is
// Exact(0).
type ExpectedSequence struct {
	value int64
}

// Any returns the claim that disables the concurrency check.
func Any() ExpectedSequence {
	return ExpectedSequence{value: anySequence}
}

// Exact returns the claim that the stream ends at seq.
// Panics if seq is negative.
func Exact(seq int64) ExpectedSequence {
	if seq < 0 {
		panic(fmt.Sprintf("exact sequence must be non-negative, got %d", seq))
	}
	return ExpectedSequence{value: seq}
}

// IsAny reports whether the check is disabled.
func (e ExpectedSequence) IsAny() bool {
	return e.value == anySequence
}

// Value returns the claimed sequence, or 0 for Any.
func (e ExpectedSequence) Value() int64 {
	if e.value < 0 {
		return 0
	}
	return e.value
}

// Matches reports whether current satisfies the claim.
func (e ExpectedSequence) Matches(current int64) bool {
	return e.IsAny() || e.value == current
}

// String returns "Any" or "Exact(n)".
func (e ExpectedSequence) String() string {
	if e.IsAny() {
		return "Any"
	}
	return fmt.Sprintf("Exact(%d)", e.value)
}

// ParseExpected reads the textual form of a claim: "any" (or empty) for
// Any, or a non-negative stream sequence for Exact.
func ParseExpected(s string) (ExpectedSequence, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "any") {
		return Any(), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return ExpectedSequence{}, fmt.Errorf("expected must be \"any\" or a non-negative integer, got %q", s)
	}
	return Exact(n), nil
}
