// Package brokererr defines the broker failure taxonomy used across the
// engine. Callers inspect Kind, never error strings, so cancel-race and
// other control-flow-bearing failures are structured values rather than
// exceptions reinterpreted by parsing messages.
package brokererr

import "fmt"

// Kind enumerates the broker error taxonomy.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindRateLimited   Kind = "rate_limited"
	KindNotFound      Kind = "not_found"
	KindInvalidState  Kind = "invalid_state"
	KindRaceCondition Kind = "race_condition"
	KindOther         Kind = "other"
)

// Error wraps a broker failure with its structured kind.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Code    string // raw broker error code, e.g. "42210000"
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code=%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a broker error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// NewWithCode constructs a broker error carrying a raw broker error code,
// used for cancel-race detection (broker code 42210000).
func NewWithCode(kind Kind, op, message, code string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Code: code}
}

// Wrap annotates an underlying error with a kind.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	be, ok := err.(*Error)
	return ok && be.Kind == kind
}

// IsRetryable reports whether the taxonomy entry should be retried with
// backoff: network and rate-limit failures only.
func IsRetryable(err error) bool {
	be, ok := err.(*Error)
	if !ok {
		return false
	}
	return be.Kind == KindNetwork || be.Kind == KindRateLimited
}

// cancelRaceCodes are broker codes that mean "the order you tried to
// cancel already filled" rather than a generic failure.
var cancelRaceCodes = map[string]bool{
	"42210000": true,
}

var cancelRaceMessages = []string{
	"already filled",
	"already executed",
	"order is already in filled state",
}

// IsCancelRace reports whether a cancel failure actually indicates the
// order filled before the cancel was processed. This MUST be checked
// before treating a cancel failure as a generic error.
func IsCancelRace(err error) bool {
	be, ok := err.(*Error)
	if !ok {
		return false
	}
	if be.Code != "" && cancelRaceCodes[be.Code] {
		return true
	}
	for _, m := range cancelRaceMessages {
		if containsFold(be.Message, m) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	ls, lsub := toLower(s), toLower(substr)
	if len(lsub) == 0 || len(ls) < len(lsub) {
		return len(lsub) == 0
	}
	for i := 0; i+len(lsub) <= len(ls); i++ {
		if ls[i:i+len(lsub)] == lsub {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
