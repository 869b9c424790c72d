package model

import "encoding/json"

// ChangeLoanStateRequest moves a loan to a new state.
type ChangeLoanStateRequest struct {
	State LoanState `json:"state" binding:"required"`
}

// AdvancePaymentRequest optionally names the payment type to advance as.
type AdvancePaymentRequest struct {
	Type *LoanPaymentType `json:"type,omitempty"`
}

// AdvanceStepRequest optionally names the state the step is expected in.
type AdvanceStepRequest struct {
	State *PaymentStepState `json:"state,omitempty"`
}

// TransferUpdateRequest carries a raw provider update for a transfer.
type TransferUpdateRequest struct {
	Provider *PaymentAccountProvider `json:"provider,omitempty"`
	Payload  json.RawMessage         `json:"payload" binding:"required"`
}

// ImportBillersRequest names the RPPS file to import.
type ImportBillersRequest struct {
	Name string `json:"name" binding:"required"`
}

// AdvanceResponse reports whether an operation changed any state.
type AdvanceResponse struct {
	Changed bool `json:"changed"`
}

// InitiatePaymentResponse wraps the payment an initiation created, if any.
type InitiatePaymentResponse struct {
	Payment *LoanPayment `json:"payment"`
}
