package loanpayment

import "errors"

// Domain errors for loan payment managers.
var (
	ErrRouteNotFound          = errors.New("payments route not found")
	ErrUnsupportedPaymentType = errors.New("unsupported loan payment type")
	ErrPaymentCalculation     = errors.New("unable to calculate payment")
)
