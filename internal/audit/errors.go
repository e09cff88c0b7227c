package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for retry and reporting purposes.
type Kind int

// Failure kinds.
const (
	KindPermanent Kind = iota + 1
	KindRetryable
	KindCircuitOpen
	KindResource
)

// String returns the metrics label for the kind.
func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindRetryable:
		return "retryable"
	case KindCircuitOpen:
		return "circuit_open"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Reason distinguishes failures within a kind.
type Reason string

// Failure reasons.
const (
	ReasonInvalidURL        Reason = "invalid-url"
	ReasonInvalidOptions    Reason = "invalid-options"
	ReasonEngineUnavailable Reason = "engine-unavailable"
	ReasonElementNotFound   Reason = "element-not-found"
	ReasonScoreUnparseable  Reason = "score-unparseable"
	ReasonTimeout           Reason = "timeout"
	ReasonTransient         Reason = "transient"
	ReasonPoolExhausted     Reason = "pool-exhausted"
	ReasonMemoryExceeded    Reason = "memory-exceeded"
	ReasonUnresponsive      Reason = "unresponsive"
	ReasonCircuitOpen       Reason = "circuit-open"
	ReasonCanceled          Reason = "canceled"
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrPermanent   = errors.New("permanent failure")
	ErrRetryable   = errors.New("retryable failure")
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrResource    = errors.New("browser resource failure")

	// ErrEngineUnavailable is wrapped by launchers when the browser engine
	// cannot be started at all (binary missing, unsupported platform).
	ErrEngineUnavailable = errors.New("automation engine unavailable")
)

// Error is the tagged failure returned by every pipeline stage.
type Error struct {
	Kind   Kind
	Reason Reason
	URL    string
	Stage  string
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" (")
	b.WriteString(string(e.Reason))
	b.WriteString(")")
	if e.URL != "" {
		fmt.Fprintf(&b, " url=%s", e.URL)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", e.Stage)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermanent:
		return e.Kind == KindPermanent
	case ErrRetryable:
		return e.Kind == KindRetryable
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	case ErrResource:
		return e.Kind == KindResource
	}
	return false
}

// Permanent builds a non-retryable error.
func Permanent(reason Reason, err error) *Error {
	return &Error{Kind: KindPermanent, Reason: reason, Err: err}
}

// Retryable builds an error the controller may retry.
func Retryable(reason Reason, err error) *Error {
	return &Error{Kind: KindRetryable, Reason: reason, Err: err}
}

// Resource builds an error for an instance that must be evicted.
func Resource(reason Reason, err error) *Error {
	return &Error{Kind: KindResource, Reason: reason, Err: err}
}

// CircuitOpen builds the fail-fast error returned while the breaker is open.
func CircuitOpen(url string) *Error {
	return &Error{Kind: KindCircuitOpen, Reason: ReasonCircuitOpen, URL: url}
}

// WithContext fills URL and Stage if they are not already set and returns e.
func (e *Error) WithContext(url, stage string) *Error {
	if e.URL == "" {
		e.URL = url
	}
	if e.Stage == "" {
		e.Stage = stage
	}
	return e
}

// AsError extracts the *Error from err. Errors outside the taxonomy are
// classified: context cancellation is permanent (the caller gave up), a
// deadline is a timeout, anything else is transient.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Permanent(ReasonCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return Retryable(ReasonTimeout, err)
	case errors.Is(err, ErrEngineUnavailable):
		return Permanent(ReasonEngineUnavailable, err)
	default:
		return Retryable(ReasonTransient, err)
	}
}

// IsRetryable reports whether the controller should try again after err.
// Resource failures count as retryable: a fresh instance is used next time.
func IsRetryable(err error) bool {
	ae := AsError(err)
	if ae == nil {
		return false
	}
	return ae.Kind == KindRetryable || ae.Kind == KindResource
}

// FailureKind returns the metrics label for err.
func FailureKind(err error) string {
	ae := AsError(err)
	if ae == nil {
		return ""
	}
	return ae.Kind.String()
}
