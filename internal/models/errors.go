package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData marks a forecast built from zero samples
	ErrInsufficientData = errors.New("insufficient consumption data")

	// ErrConflictUnresolved means two conflicting decisions both survived resolution
	ErrConflictUnresolved = errors.New("conflict unresolved")

	// ErrPreconditionFailed means stock changed between proposal and execution
	ErrPreconditionFailed = errors.New("execution precondition failed")

	// ErrNotFound is returned by stores for missing rows
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for illegal decision status changes
	ErrInvalidTransition = errors.New("invalid decision status transition")

	// ErrAlreadyApplied means the execution ledger already holds the decision
	ErrAlreadyApplied = errors.New("decision already applied")

	// ErrRunInProgress means another run holds the run lock
	ErrRunInProgress = errors.New("replenishment run already in progress")
)

// Guard names a division-by-zero guard that fell back to a documented constant
type Guard string

const (
	GuardZeroDemand      Guard = "zero_demand"
	GuardZeroHoldingCost Guard = "zero_holding_cost"
)

// GuardError describes a computation guard hit
type GuardError struct {
	Guard Guard
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("computation guard: %s", e.Guard)
}

// DependencyError wraps a failure of an external store or catalog after retries
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("external dependency %s failed: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// PreconditionError carries the reason a decision could not be applied
func PreconditionError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPreconditionFailed, fmt.Sprintf(format, args...))
}
