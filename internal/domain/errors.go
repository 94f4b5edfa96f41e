package domain

import "errors"

var (
	// ErrNotFound is returned for cancel or reduce of an order that is not resting.
	ErrNotFound = errors.New("order not found")
	// ErrActionRejected is returned when an action would breach the position limit.
	ErrActionRejected = errors.New("action rejected")
	// ErrInvalidConfiguration is fatal at startup.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)
