package transfer

import "errors"

// Domain errors for transfer execution.
var (
	ErrProviderNotRegistered = errors.New("transfer provider not registered")
	ErrProviderRequest       = errors.New("transfer provider request failed")
	ErrUnknownTransfer       = errors.New("update does not match a known transfer")
	ErrInvalidSignature      = errors.New("invalid webhook signature")
)
