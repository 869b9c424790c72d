package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferState represents the state of a provider transfer.
type TransferState string

const (
	TransferStateCreated   TransferState = "created"
	TransferStatePending   TransferState = "pending"
	TransferStateCompleted TransferState = "completed"
	TransferStateFailed    TransferState = "failed"
)

// IsTerminal returns true if the state is a terminal state.
func (s TransferState) IsTerminal() bool {
	return s == TransferStateCompleted || s == TransferStateFailed
}

// Transfer is a provider-executed money movement backing a payment step.
type Transfer struct {
	ID                   uuid.UUID              `json:"id" gorm:"type:uuid;primaryKey"`
	Order                int                    `json:"order" gorm:"column:transfer_order;not null;default:0"`
	Amount               decimal.Decimal        `json:"amount" gorm:"type:numeric(18,2);not null"`
	State                TransferState          `json:"state" gorm:"not null;default:created;index"`
	SourceAccountID      uuid.UUID              `json:"source_account_id" gorm:"type:uuid;not null"`
	DestinationAccountID uuid.UUID              `json:"destination_account_id" gorm:"type:uuid;not null"`
	LoanPaymentStepID    *uuid.UUID             `json:"loan_payment_step_id,omitempty" gorm:"type:uuid;index"`
	Provider             PaymentAccountProvider `json:"provider,omitempty"`
	ExternalID           string                 `json:"external_id,omitempty" gorm:"index"`
	Error                *TransferError         `json:"error,omitempty" gorm:"foreignKey:TransferID"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Transfer) TableName() string {
	return "transfers"
}

// TransferError records why a transfer failed.
type TransferError struct {
	ID         uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	TransferID uuid.UUID  `json:"transfer_id" gorm:"type:uuid;not null;uniqueIndex"`
	LoanID     *uuid.UUID `json:"loan_id,omitempty" gorm:"type:uuid;index"`
	Code       string     `json:"code"`
	Message    string     `json:"message"`
	Raw        string     `json:"raw,omitempty" gorm:"type:text"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TableName returns the table name for GORM.
func (TransferError) TableName() string {
	return "transfer_errors"
}

// TransferErrorDetails is a provider error normalized for persistence.
type TransferErrorDetails struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Raw     string `json:"raw,omitempty"`
}

// TransferErrorPayload is a raw provider error before normalization.
type TransferErrorPayload map[string]any

// TransferUpdatePayload is a raw provider status update (webhook body or poll response).
type TransferUpdatePayload []byte

// TransferUpdate is a provider status update normalized by the provider.
type TransferUpdate struct {
	ExternalID string
	EventID    string
	State      TransferState
	Error      *TransferErrorDetails
}

// TransferExecution is the outcome of submitting a transfer to a provider.
type TransferExecution struct {
	Accepted   bool
	ExternalID string
	Error      TransferErrorPayload
}
