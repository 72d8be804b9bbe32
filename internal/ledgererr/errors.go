// Package ledgererr defines the failure taxonomy shared by every ledger component.
//
// Insolvency and staleness are expected rejections that callers handle.
// Overflow and invariant violations mean a prior defect and are logged as alerts.
package ledgererr

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrOverflow           = errors.New("overflow")
	ErrInsolvent          = errors.New("insolvent")
	ErrStaleReference     = errors.New("stale reference")
	ErrInvariantViolation = errors.New("invariant violation")
)

// OverflowError reports a value that does not fit its declared field width.
type OverflowError struct {
	Field string
	Value string
	Bits  uint
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("overflow: %s=%s exceeds %d bits", e.Field, e.Value, e.Bits)
}

func (e *OverflowError) Unwrap() error { return ErrOverflow }

// NewOverflow builds an OverflowError for a big.Int value.
func NewOverflow(field string, value *big.Int, bits uint) *OverflowError {
	v := "<nil>"
	if value != nil {
		v = value.String()
	}
	return &OverflowError{Field: field, Value: v, Bits: bits}
}

// InsolvencyError reports an account that failed a required solvency check.
type InsolvencyError struct {
	Account string
	Market  string
	Tick    int32
	Detail  string
}

func (e *InsolvencyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("insolvent: account %s in %s at tick %d: %s", e.Account, e.Market, e.Tick, e.Detail)
	}
	return fmt.Sprintf("insolvent: account %s in %s at tick %d", e.Account, e.Market, e.Tick)
}

func (e *InsolvencyError) Unwrap() error { return ErrInsolvent }

// StaleReferenceError reports oracle data outside the allowed age or deviation.
type StaleReferenceError struct {
	Market string
	Reason string
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("stale reference for %s: %s", e.Market, e.Reason)
}

func (e *StaleReferenceError) Unwrap() error { return ErrStaleReference }

// InvariantViolationError reports a failed monotonicity or conservation check.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation [%s]: %s", e.Invariant, e.Detail)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// NewInvariant is shorthand with Sprintf formatting for the detail.
func NewInvariant(invariant, format string, args ...interface{}) *InvariantViolationError {
	return &InvariantViolationError{Invariant: invariant, Detail: fmt.Sprintf(format, args...)}
}

// Kind classifies err for logging and metrics labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant"
	case errors.Is(err, ErrInsolvent):
		return "insolvent"
	case errors.Is(err, ErrStaleReference):
		return "stale_reference"
	default:
		return "rejected"
	}
}

// IsAlert reports whether err indicates a defect rather than a user-input rejection.
func IsAlert(err error) bool {
	return errors.Is(err, ErrOverflow) || errors.Is(err, ErrInvariantViolation)
}
