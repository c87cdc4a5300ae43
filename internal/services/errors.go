package services

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDelta        = errors.New("credits: invalid delta")
	ErrMissingReference    = fmt.Errorf("%w: reference token is required", ErrInvalidDelta)
	ErrInsufficientBalance = errors.New("credits: insufficient balance")
	ErrUnknownFeature      = errors.New("credits: unknown feature")
	ErrStorageUnavailable  = errors.New("credits: storage unavailable")
	ErrReferenceConflict   = errors.New("credits: reference token used by another request")
)

// IsRetryable reports whether err is transient and the same request may be
// sent again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
