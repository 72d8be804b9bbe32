package server

import (
	"context"
	"errors"

	"MarginLedger/internal/core"
	"MarginLedger/internal/ledgererr"
	"MarginLedger/internal/liquidation"
	"MarginLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps ledger errors onto gRPC codes. Errors that already carry a
// status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ledgererr.ErrInsolvent), errors.Is(err, liquidation.ErrAccountSolvent):
		return codes.FailedPrecondition
	case errors.Is(err, ledgererr.ErrStaleReference):
		return codes.Unavailable
	case errors.Is(err, core.ErrStaleSequence), errors.Is(err, core.ErrOutOfSequence):
		return codes.Aborted
	case errors.Is(err, ledgererr.ErrOverflow):
		return codes.OutOfRange
	case errors.Is(err, ledgererr.ErrInvariantViolation):
		return codes.Internal
	default:
		return codes.InvalidArgument
	}
}
