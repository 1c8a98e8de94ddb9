// Package errs provides typed error handling for the unwinding core.
//
// Unwind failures are routine, not exceptional: a PC that isn't covered by
// the stack-delta index, a frame budget that runs out, a corrupted
// introspection record. None of these may propagate as a panic across a
// sample boundary in production code; they terminate the current unwind
// step and are classified here so the dispatcher can bump the matching
// metric counter. All errors support errors.Is/errors.As/errors.Unwrap.
package errs

import "errors"

// Kind classifies why an unwind step stopped short.
type Kind int

const (
	// KindReader indicates a virtual-memory read failed (unmapped page,
	// short read, or the target process is gone).
	KindReader Kind = iota
	// KindLookup indicates a PC or PID could not be resolved against the
	// lookup tables (no stack delta, no unwinder mapping, unknown PID).
	KindLookup
	// KindBudget indicates a per-call frame budget was exhausted before
	// the stack bottomed out.
	KindBudget
	// KindInvariant indicates a data-model invariant was violated (a
	// malformed introspection record, a generation mismatch, a frame
	// list overflow).
	KindInvariant
	// KindDelivery indicates the event channel could not accept an event
	// (ring full, receiver gone).
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindReader:
		return "reader error"
	case KindLookup:
		return "lookup error"
	case KindBudget:
		return "budget exceeded"
	case KindInvariant:
		return "invariant violation"
	case KindDelivery:
		return "delivery error"
	default:
		return "unknown error"
	}
}

// UnwindError is the error type returned by every operation in this module
// that can fail for a reason worth classifying.
type UnwindError struct {
	// Op is the operation that failed (e.g. "native.resolveCFA").
	Op string
	// Kind classifies the failure.
	Kind Kind
	// Err is the underlying error, if any.
	Err error
	// Detail adds context beyond the kind (e.g. the PC that failed to resolve).
	Detail string
}

func (e *UnwindError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Op + ": "
	if e.Detail != "" {
		msg += e.Detail
	} else {
		msg += e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnwindError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *UnwindError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*UnwindError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an UnwindError with no underlying cause.
func New(kind Kind, op, detail string) *UnwindError {
	return &UnwindError{Op: op, Kind: kind, Detail: detail}
}

// Wrap attaches op/kind classification to an underlying error.
func Wrap(err error, kind Kind, op string) *UnwindError {
	if err == nil {
		return nil
	}
	return &UnwindError{Op: op, Kind: kind, Err: err}
}

// WrapDetail is Wrap plus a human-readable detail string.
func WrapDetail(err error, kind Kind, op, detail string) *UnwindError {
	return &UnwindError{Op: op, Kind: kind, Err: err, Detail: detail}
}

// IsKind reports whether err is an UnwindError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ue *UnwindError
	if errors.As(err, &ue) {
		return ue.Kind == kind
	}
	return false
}

// GetKind returns the kind carried by err, if any.
func GetKind(err error) (Kind, bool) {
	var ue *UnwindError
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return 0, false
}

var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Sentinel errors for conditions checked frequently enough to deserve a
// stable identity distinct from their dynamic Detail string.
var (
	ErrUnmappedPC       = New(KindLookup, "resolvePC", "pc not covered by any stack-delta or interpreter range")
	ErrUnknownPID       = New(KindLookup, "resolvePID", "pid has no introspection record")
	ErrFrameBudget      = New(KindBudget, "unwind", "per-call frame budget exhausted")
	ErrStackLenExceeded = New(KindInvariant, "trace", "stack length exceeds MAX_STACK_LEN")
	ErrGenerationStale  = New(KindInvariant, "introspection", "generation counter does not match live record")
	ErrRingFull         = New(KindDelivery, "events.Send", "event channel is at capacity")
)
