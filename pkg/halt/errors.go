package halt

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSystemHalted rejects writes while a halt is in effect. It clears with the halt.
	ErrSystemHalted = errors.New("halt: system is halted")
	// ErrSystemCeased rejects writes permanently. Callers must not retry.
	ErrSystemCeased = errors.New("halt: system has ceased")

	ErrAlreadyHalted = errors.New("halt: system is already halted")
	ErrAlreadyCeased = errors.New("halt: system has already ceased")
	ErrNotHalted     = errors.New("halt: system is not halted")

	// ErrFlagExists is returned by a create-only staged write when the flag
	// is already set.
	ErrFlagExists = errors.New("halt: flag already set")

	// ErrFlagUnavailable means neither channel could answer a read.
	ErrFlagUnavailable = errors.New("halt: flag state unavailable on both channels")
	// ErrFlagWrite means a dual-channel write failed and left no partial state.
	ErrFlagWrite = errors.New("halt: dual-channel flag write failed")
	// ErrCompensationFailed means a failed write could not be undone on the
	// fast channel. Readers see the restrictive state until an operator repairs it.
	ErrCompensationFailed = errors.New("halt: compensation of fast channel failed")
)

// SystemHaltedError carries the active halt for the rejected operation.
type SystemHaltedError struct {
	Operation string
	Reason    string
	HaltedAt  time.Time
}

func (e *SystemHaltedError) Error() string {
	op := e.Operation
	if op == "" {
		op = "write"
	}
	return fmt.Sprintf("halt: %s rejected: system halted at %s: %s", op, e.HaltedAt.Format(time.RFC3339), e.Reason)
}

func (e *SystemHaltedError) Unwrap() error { return ErrSystemHalted }

// SystemCeasedError carries the cessation record for the rejected operation.
type SystemCeasedError struct {
	Operation           string
	CeasedAt            time.Time
	FinalSequenceNumber uint64
	Reason              string
}

func (e *SystemCeasedError) Error() string {
	op := e.Operation
	if op == "" {
		op = "write"
	}
	return fmt.Sprintf("halt: %s rejected: system ceased at %s (final sequence %d): %s",
		op, e.CeasedAt.Format(time.RFC3339), e.FinalSequenceNumber, e.Reason)
}

func (e *SystemCeasedError) Unwrap() error { return ErrSystemCeased }
