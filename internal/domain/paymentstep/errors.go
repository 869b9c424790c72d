package paymentstep

import "errors"

// Domain errors for payment steps.
var (
	ErrStepStateOutOfSync   = errors.New("payment step state is out of sync with its transfer")
	ErrUnsupportedStepState = errors.New("unsupported payment step state")
	ErrStepNotRetryable     = errors.New("payment step cannot be retried")
)
