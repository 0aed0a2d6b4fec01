package staking

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is the parent of every request validation failure.
	ErrInvalidInput = errors.New("invalid input")

	ErrInvalidLockPeriod = fmt.Errorf("%w: invalid lock period", ErrInvalidInput)
	ErrInvalidAmount     = fmt.Errorf("%w: invalid amount", ErrInvalidInput)

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPositionNotFound    = errors.New("position not found")
	ErrNothingToClaim      = errors.New("no earnings to claim")
)
