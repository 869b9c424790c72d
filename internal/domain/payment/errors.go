package payment

import "errors"

var (
	// ErrLoanNotFound is returned when a loan is not found.
	ErrLoanNotFound = errors.New("loan not found")

	// ErrPaymentNotFound is returned when a loan payment is not found.
	ErrPaymentNotFound = errors.New("loan payment not found")

	// ErrStepNotFound is returned when a payment step is not found.
	ErrStepNotFound = errors.New("payment step not found")

	// ErrTransferNotFound is returned when a transfer is not found.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrAccountNotFound is returned when a payment account is not found.
	ErrAccountNotFound = errors.New("payment account not found")

	// ErrInvalidStateTransition is returned when an entity cannot move to the requested state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)
