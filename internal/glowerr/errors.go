// Package glowerr classifies capture daemon failures into the three
// severities the run loop dispatches on.
package glowerr

import (
	"errors"
	"fmt"
)

// Class is the failure severity.
type Class int

const (
	// ClassRecoverable failures cost at most one frame. The cycle logs a
	// warning and the loop tries again on the next tick.
	ClassRecoverable Class = iota
	// ClassResource failures mean the kernel resource ledger can no longer
	// be trusted. The tracker performs an emergency resync and capture
	// continues.
	ClassResource
	// ClassSystem failures are fatal. Diagnostics are flushed and the
	// process exits with an actionable message.
	ClassSystem
)

func (c Class) String() string {
	switch c {
	case ClassRecoverable:
		return "recoverable"
	case ClassResource:
		return "resource"
	case ClassSystem:
		return "system"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Error carries a severity class alongside the usual context chain.
type Error struct {
	Class   Class
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Recoverable wraps cause as a transient, retry-next-cycle failure.
func Recoverable(op, message string, cause error) *Error {
	return &Error{Class: ClassRecoverable, Op: op, Message: message, Cause: cause}
}

// Resource wraps cause as a tracker-integrity failure.
func Resource(op, message string, cause error) *Error {
	return &Error{Class: ClassResource, Op: op, Message: message, Cause: cause}
}

// System wraps cause as a fatal failure.
func System(op, message string, cause error) *Error {
	return &Error{Class: ClassSystem, Op: op, Message: message, Cause: cause}
}

// ClassOf reports the severity of err. Errors that do not carry a class
// are treated as recoverable so an unclassified failure can never take
// the daemon down on its own.
func ClassOf(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassRecoverable
}
