package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sawpanic/crossarb/internal/domain"
)

// ErrorKind classifies a venue failure for retry and containment decisions.
type ErrorKind string

const (
	// KindTransient failures (timeouts, 5xx, 429) are retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindPermanent failures (4xx not-found, unsupported symbol) disable the
	// pair for the remainder of the tick.
	KindPermanent ErrorKind = "permanent"
	// KindIntegrity marks structurally invalid payloads (inverted books,
	// non-positive sizes); the candidate is suppressed and counted.
	KindIntegrity ErrorKind = "integrity"
)

// Error is the typed failure adapters return. It carries enough attribution
// for per-venue metrics and the orchestrator's containment logging.
type Error struct {
	Venue  domain.VenueID
	Op     string
	Kind   ErrorKind
	Status int // HTTP status when applicable, 0 otherwise
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (http %d): %v", e.Venue, e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable venue failure.
func NewTransient(venue domain.VenueID, op string, err error) *Error {
	return &Error{Venue: venue, Op: op, Kind: KindTransient, Err: err}
}

// NewPermanent wraps err as a non-retryable venue failure.
func NewPermanent(venue domain.VenueID, op string, err error) *Error {
	return &Error{Venue: venue, Op: op, Kind: KindPermanent, Err: err}
}

// NewIntegrity wraps err as a malformed-payload failure.
func NewIntegrity(venue domain.VenueID, op string, err error) *Error {
	return &Error{Venue: venue, Op: op, Kind: KindIntegrity, Err: err}
}

// FromHTTPStatus classifies an unexpected HTTP status: 429 and 5xx are
// transient, every other non-2xx is permanent.
func FromHTTPStatus(venue domain.VenueID, op string, status int, body string) *Error {
	kind := KindPermanent
	if status == http.StatusTooManyRequests || status >= 500 {
		kind = KindTransient
	}
	return &Error{
		Venue:  venue,
		Op:     op,
		Kind:   kind,
		Status: status,
		Err:    fmt.Errorf("unexpected status: %s", body),
	}
}

// Classify maps an arbitrary adapter error to its kind. Network-level
// failures (timeouts, refused connections, cancelled contexts) count as
// transient; unknown errors default to transient so a flaky venue is retried
// rather than disabled.
func Classify(err error) ErrorKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return Classify(err) == KindTransient }

// IsPermanent reports whether err disables the pair for this tick.
func IsPermanent(err error) bool { return Classify(err) == KindPermanent }

// IsIntegrity reports whether err is a malformed-payload failure.
func IsIntegrity(err error) bool { return Classify(err) == KindIntegrity }
