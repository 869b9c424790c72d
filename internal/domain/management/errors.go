package management

import "errors"

// Domain errors for payment management.
var (
	ErrAdvanceInProgress = errors.New("another advance holds the lock")
	ErrInvalidLoanState  = errors.New("invalid loan state change")
)
