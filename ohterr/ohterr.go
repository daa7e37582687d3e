// Package ohterr defines the error taxonomy shared by every core
// subsystem (spec.md §7). Each subsystem returns one of these kinds,
// wrapped around an optional underlying cause, instead of a bespoke
// error type or a shared "no error" sentinel.
package ohterr

import (
	"errors"
	"fmt"
)

// Kind identifies which branch of the taxonomy an Error belongs to.
type Kind int

const (
	// InvalidArgument covers out-of-range parameters, nil where required,
	// and unknown ids. Recovered locally; never propagates past the
	// immediate caller.
	InvalidArgument Kind = iota
	// NotInitialized is returned when an operation requires Init to have
	// run first.
	NotInitialized
	// AlreadyInitialized is returned by a second call to Init.
	AlreadyInitialized
	// Timeout means a bus or HAL operation exceeded its configured
	// budget.
	Timeout
	// BusError covers CRC mismatch, framing error, or short read on the
	// serial bus.
	BusError
	// ModbusException means the peer rejected the request with an
	// exception response; Detail carries the exception code.
	ModbusException
	// HardwareFault means a HAL primitive failed unrecoverably.
	// Returning it does not change the Safety Monitor's state: the
	// monitor moves to FAULT only when its own emergency-procedure HAL
	// calls fail, and core.Tick does not act on a HardwareFault from the
	// Control Loop.
	HardwareFault
	// SafetyViolation covers zone/interlock/sensor/critical-module/
	// watchdog failures that drive the Safety Monitor state machine.
	SafetyViolation
	// TableFull means a bounded registry has no free slot.
	TableFull
	// DuplicateEntry means a registry key is already taken.
	DuplicateEntry
	// NotFound means a registry lookup by id/address failed.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case NotInitialized:
		return "not initialized"
	case AlreadyInitialized:
		return "already initialized"
	case Timeout:
		return "timeout"
	case BusError:
		return "bus error"
	case ModbusException:
		return "modbus exception"
	case HardwareFault:
		return "hardware fault"
	case SafetyViolation:
		return "safety violation"
	case TableFull:
		return "table full"
	case DuplicateEntry:
		return "duplicate entry"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Error is the taxonomy-tagged error type every core subsystem returns.
type Error struct {
	Kind   Kind
	Msg    string
	Detail int // e.g. Modbus exception code; zero otherwise.
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Kind == ModbusException {
		msg = fmt.Sprintf("%s (code %#02x)", msg, e.Detail)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, ohterr.New(ohterr.NotFound, "", nil)) or, more
// idiomatically, errors.As plus a Kind comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Exception constructs a ModbusException error carrying the peer's
// exception code.
func Exception(code int) *Error {
	return &Error{Kind: ModbusException, Detail: code}
}

// Of returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
