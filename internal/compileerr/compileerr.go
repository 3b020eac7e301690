// Package compileerr defines the structured error and warning taxonomy used
// across the pulse-schedule compiler. Every fatal condition raised by the
// pipeline is reported as an *Error discriminated by a Kind, carrying
// whatever offending identifiers (device, port, clock, fingerprint, value)
// are available at the point of failure.
package compileerr

import "fmt"

// Kind discriminates the error taxonomy described by the compiler
// specification. Every Kind below is fatal to the compilation of the
// schedule that triggered it.
type Kind string

// Structural errors: the hardware mapping or schedule does not describe a
// valid topology.
const (
	DuplicatePortClock     Kind = "duplicate-portclock"
	MissingClock           Kind = "missing-clock"
	UnknownPortClock       Kind = "unknown-portclock"
	UnsupportedAcquisition Kind = "unsupported-acquisition"
	UnsupportedOutputMode  Kind = "unsupported-output-mode"
	TooManySequencers      Kind = "too-many-sequencers"
)

// Semantic errors: the schedule's timing or acquisition pattern violates a
// real-time constraint of the target.
const (
	InvalidOperation    Kind = "invalid-operation"
	GridViolation       Kind = "grid-violation"
	TimingConflict      Kind = "timing-conflict"
	AcquisitionTooClose Kind = "acquisition-too-close"
	ScopeModeConflict   Kind = "scope-mode-conflict"
)

// Numeric errors: frequency or amplitude constraints could not be satisfied.
const (
	UnderConstrainedFrequency Kind = "under-constrained-frequency"
	OverConstrainedFrequency  Kind = "over-constrained-frequency"
	FrequencyConflict         Kind = "frequency-conflict"
	AmplitudeOutOfRange       Kind = "amplitude-out-of-range"
	DownconverterInvalid      Kind = "downconverter-invalid"
)

// Environmental errors: checked before upload, not by the core itself, but
// carried here so callers have a single taxonomy to match against.
const (
	DriverVersionMismatch Kind = "driver-version-mismatch"
)

// Error is the single structured error type raised by every stage of the
// compiler. Context carries whatever offending identifiers are known at the
// point of failure (keys such as "device", "port", "clock", "fingerprint",
// "value" are used by convention but not enforced).
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// With attaches a context key/value pair and returns the same *Error, so
// construction can be chained: compileerr.New(...).With("port", port).
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s %v", e.Kind, e.Message, e.Context)
}

// Unwrap exposes the underlying cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same Kind, so callers can compare
// with errors.Is(err, compileerr.New(compileerr.GridViolation, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// Warning is a non-fatal diagnostic collected on the compiled artifact
// rather than raised, used for pulse-stitching residuals and an explicit
// downconverter_freq of zero.
type Warning struct {
	Message string
	Context map[string]any
}

// Warn constructs a Warning.
func Warn(format string, args ...any) Warning {
	return Warning{Message: fmt.Sprintf(format, args...)}
}

// With attaches a context key/value pair and returns the same Warning.
func (w Warning) With(key string, value any) Warning {
	if w.Context == nil {
		w.Context = make(map[string]any)
	}
	w.Context[key] = value
	return w
}

func (w Warning) String() string {
	if len(w.Context) == 0 {
		return w.Message
	}
	return fmt.Sprintf("%s %v", w.Message, w.Context)
}
