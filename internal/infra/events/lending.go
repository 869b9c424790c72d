package events

import (
	"github.com/google/uuid"
	"github.com/loanpay/server/internal/model"
)

// Lending event types.
const (
	TransferCompletedType = "TransferCompleted"
	TransferFailedType    = "TransferFailed"

	PaymentStepPendingType   = "PaymentStepPending"
	PaymentStepCompletedType = "PaymentStepCompleted"
	PaymentStepFailedType    = "PaymentStepFailed"

	PaymentPendingType   = "PaymentPending"
	PaymentSteppedType   = "PaymentStepped"
	PaymentCompletedType = "PaymentCompleted"
	PaymentFailedType    = "PaymentFailed"

	LoanStateChangedType = "LoanStateChanged"
	LoanStateSteppedType = "LoanStateStepped"
)

// TransferStateEvent is emitted when a transfer reaches a terminal state.
type TransferStateEvent struct {
	BaseEvent
	TransferID uuid.UUID  `json:"transfer_id"`
	StepID     *uuid.UUID `json:"step_id,omitempty"`
}

// NewTransferCompletedEvent creates a TransferCompleted event.
func NewTransferCompletedEvent(transfer *model.Transfer) *TransferStateEvent {
	return &TransferStateEvent{
		BaseEvent:  NewBaseEvent(TransferCompletedType, transfer.ID, "Transfer"),
		TransferID: transfer.ID,
		StepID:     transfer.LoanPaymentStepID,
	}
}

// NewTransferFailedEvent creates a TransferFailed event.
func NewTransferFailedEvent(transfer *model.Transfer) *TransferStateEvent {
	return &TransferStateEvent{
		BaseEvent:  NewBaseEvent(TransferFailedType, transfer.ID, "Transfer"),
		TransferID: transfer.ID,
		StepID:     transfer.LoanPaymentStepID,
	}
}

// PaymentStepStateEvent is emitted when a step changes state.
type PaymentStepStateEvent struct {
	BaseEvent
	StepID        uuid.UUID              `json:"step_id"`
	PaymentID     uuid.UUID              `json:"payment_id"`
	PreviousState model.PaymentStepState `json:"previous_state"`
	State         model.PaymentStepState `json:"state"`
}

// NewPaymentStepStateEvent creates the event matching the step's new state.
// Returns nil for states that do not emit.
func NewPaymentStepStateEvent(step *model.LoanPaymentStep, prev, next model.PaymentStepState) *PaymentStepStateEvent {
	var eventType string
	switch next {
	case model.PaymentStepStatePending:
		eventType = PaymentStepPendingType
	case model.PaymentStepStateCompleted:
		eventType = PaymentStepCompletedType
	case model.PaymentStepStateFailed:
		eventType = PaymentStepFailedType
	default:
		return nil
	}
	return &PaymentStepStateEvent{
		BaseEvent:     NewBaseEvent(eventType, step.ID, "LoanPaymentStep"),
		StepID:        step.ID,
		PaymentID:     step.LoanPaymentID,
		PreviousState: prev,
		State:         next,
	}
}

// PaymentStateEvent is emitted when a payment changes state or starts a step.
type PaymentStateEvent struct {
	BaseEvent
	PaymentID     uuid.UUID             `json:"payment_id"`
	LoanID        uuid.UUID             `json:"loan_id"`
	PaymentType   model.LoanPaymentType `json:"payment_type"`
	OriginalState model.PaymentState    `json:"original_state"`
	FailedStepID  *uuid.UUID            `json:"failed_step_id,omitempty"`
}

// NewPaymentStateEvent creates a payment event of the given type.
func NewPaymentStateEvent(eventType string, payment *model.LoanPayment, originalState model.PaymentState) *PaymentStateEvent {
	return &PaymentStateEvent{
		BaseEvent:     NewBaseEvent(eventType, payment.ID, "LoanPayment"),
		PaymentID:     payment.ID,
		LoanID:        payment.LoanID,
		PaymentType:   payment.Type,
		OriginalState: originalState,
	}
}

// LoanStateEvent is emitted by the loan lifecycle owner when a loan moves.
type LoanStateEvent struct {
	BaseEvent
	LoanID        uuid.UUID       `json:"loan_id"`
	PreviousState model.LoanState `json:"previous_state,omitempty"`
	State         model.LoanState `json:"state"`
}

// NewLoanStateChangedEvent creates a LoanStateChanged event.
func NewLoanStateChangedEvent(loanID uuid.UUID, prev, next model.LoanState) *LoanStateEvent {
	return &LoanStateEvent{
		BaseEvent:     NewBaseEvent(LoanStateChangedType, loanID, "Loan"),
		LoanID:        loanID,
		PreviousState: prev,
		State:         next,
	}
}

// NewLoanStateSteppedEvent creates a LoanStateStepped event for a loan that
// progressed within its current state.
func NewLoanStateSteppedEvent(loanID uuid.UUID, state model.LoanState) *LoanStateEvent {
	return &LoanStateEvent{
		BaseEvent: NewBaseEvent(LoanStateSteppedType, loanID, "Loan"),
		LoanID:    loanID,
		State:     state,
	}
}
