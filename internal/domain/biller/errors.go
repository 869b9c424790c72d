package biller

import "errors"

// Domain errors for the biller catalogue.
var (
	ErrSourceNotFound = errors.New("biller file not found")
)
