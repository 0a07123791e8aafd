// Package bugcheck implements the fatal system stop. A bug check is raised
// when a component detects a condition it cannot recover from; it is
// delivered as a panic carrying an *Error so a simulator or a test can
// observe it with Catch.
package bugcheck

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/kintr/internal/debug"
)

// Code identifies the reason for a bug check.
type Code uint32

const (
	InvalidAffinitySet    Code = 0x03
	IrqlNotGreaterOrEqual Code = 0x09
	IrqlNotLessOrEqual    Code = 0x0A
	SpinLockNotOwned      Code = 0x10
	MismatchedHal         Code = 0x79
)

var codeNames = map[Code]string{
	InvalidAffinitySet:    "INVALID_AFFINITY_SET",
	IrqlNotGreaterOrEqual: "IRQL_NOT_GREATER_OR_EQUAL",
	IrqlNotLessOrEqual:    "IRQL_NOT_LESS_OR_EQUAL",
	SpinLockNotOwned:      "SPIN_LOCK_NOT_OWNED",
	MismatchedHal:         "MISMATCHED_HAL",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("BUGCHECK_0x%X", uint32(c))
}

// Error is the value a bug check panics with.
type Error struct {
	Code   Code
	Params [4]uint64
}

func (e *Error) Error() string {
	return fmt.Sprintf("bugcheck: %s (0x%x, 0x%x, 0x%x, 0x%x)",
		e.Code, e.Params[0], e.Params[1], e.Params[2], e.Params[3])
}

// Raise stops the system with the given code. It never returns.
func Raise(code Code, params ...uint64) {
	e := &Error{Code: code}
	copy(e.Params[:], params)
	slog.Error("bug check", "code", code.String(), "params", e.Params)
	debug.BugCheck("bugcheck", e.Error())
	panic(e)
}

// Catch runs fn and returns the bug check it raised, or nil if fn returned
// normally. Panics that are not bug checks are propagated.
func Catch(fn func()) (err *Error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			var bc *Error
			if errors.As(e, &bc) {
				err = bc
				return
			}
		}
		panic(r)
	}()
	fn()
	return nil
}
