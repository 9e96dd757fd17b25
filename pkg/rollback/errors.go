package rollback

import (
	"errors"
	"fmt"
)

var (
	ErrRollbackNotPermitted   = errors.New("rollback: not permitted")
	ErrCheckpointNotFound     = errors.New("rollback: checkpoint not found")
	ErrInvalidRollbackTarget  = errors.New("rollback: invalid rollback target")
	ErrInsufficientApprovers  = errors.New("rollback: insufficient ceremony approvers")
	ErrCeremonyReused         = errors.New("rollback: ceremony evidence already consumed")
	ErrInvalidCeremonyType    = errors.New("rollback: wrong ceremony type")
	ErrEmptyCeremonySignature = errors.New("rollback: ceremony approval has an empty signature")
	ErrCeremonySignature      = errors.New("rollback: ceremony signature does not verify")
)

// RollbackNotPermittedError is returned when a rollback phase runs while the
// system is not halted.
type RollbackNotPermittedError struct {
	Phase  string
	Reason string
}

func (e *RollbackNotPermittedError) Error() string {
	return fmt.Sprintf("rollback: %s not permitted: %s", e.Phase, e.Reason)
}

func (e *RollbackNotPermittedError) Unwrap() error { return ErrRollbackNotPermitted }

// CheckpointNotFoundError names the missing checkpoint.
type CheckpointNotFoundError struct {
	CheckpointID string
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("rollback: checkpoint %q not found", e.CheckpointID)
}

func (e *CheckpointNotFoundError) Unwrap() error { return ErrCheckpointNotFound }

// InvalidRollbackTargetError covers a missing selection or a target that no
// longer fits the ledger.
type InvalidRollbackTargetError struct {
	Reason string
}

func (e *InvalidRollbackTargetError) Error() string {
	return "rollback: invalid rollback target: " + e.Reason
}

func (e *InvalidRollbackTargetError) Unwrap() error { return ErrInvalidRollbackTarget }

// InsufficientApproversError carries the quorum shortfall.
type InsufficientApproversError struct {
	Required int
	Actual   int
}

func (e *InsufficientApproversError) Error() string {
	return fmt.Sprintf("rollback: ceremony has %d distinct approvers, %d required", e.Actual, e.Required)
}

func (e *InsufficientApproversError) Unwrap() error { return ErrInsufficientApprovers }
