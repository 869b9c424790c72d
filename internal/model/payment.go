package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanPaymentType represents the stage of money movement a payment performs.
type LoanPaymentType string

const (
	LoanPaymentTypeFunding      LoanPaymentType = "funding"
	LoanPaymentTypeDisbursement LoanPaymentType = "disbursement"
	LoanPaymentTypeFee          LoanPaymentType = "fee"
	LoanPaymentTypeRepayment    LoanPaymentType = "repayment"
	LoanPaymentTypeRefund       LoanPaymentType = "refund"
)

// IsValid reports whether the payment type is known.
func (t LoanPaymentType) IsValid() bool {
	switch t {
	case LoanPaymentTypeFunding, LoanPaymentTypeDisbursement, LoanPaymentTypeFee,
		LoanPaymentTypeRepayment, LoanPaymentTypeRefund:
		return true
	}
	return false
}

// PaymentState represents the state of a loan payment.
type PaymentState string

const (
	PaymentStateCreated   PaymentState = "created"
	PaymentStatePending   PaymentState = "pending"
	PaymentStateCompleted PaymentState = "completed"
	PaymentStateFailed    PaymentState = "failed"
)

// IsTerminal returns true if the state is a terminal state.
func (s PaymentState) IsTerminal() bool {
	return s == PaymentStateCompleted || s == PaymentStateFailed
}

// IsInitiated returns true while the payment is in flight.
func (s PaymentState) IsInitiated() bool {
	return s == PaymentStateCreated || s == PaymentStatePending
}

// CanTransitionTo returns true if the state can transition to the target state.
func (s PaymentState) CanTransitionTo(target PaymentState) bool {
	switch s {
	case PaymentStateCreated:
		return target == PaymentStatePending || target == PaymentStateCompleted || target == PaymentStateFailed
	case PaymentStatePending:
		return target == PaymentStateCompleted || target == PaymentStateFailed
	default:
		return false
	}
}

// PaymentStepState represents the state of a payment step.
type PaymentStepState string

const (
	PaymentStepStateCreated   PaymentStepState = "created"
	PaymentStepStatePending   PaymentStepState = "pending"
	PaymentStepStateCompleted PaymentStepState = "completed"
	PaymentStepStateFailed    PaymentStepState = "failed"
)

// IsTerminal returns true if the state is a terminal state.
func (s PaymentStepState) IsTerminal() bool {
	return s == PaymentStepStateCompleted || s == PaymentStepStateFailed
}

// LoanPayment represents one stage of money movement for a loan.
type LoanPayment struct {
	ID            uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey"`
	Amount        decimal.Decimal    `json:"amount" gorm:"type:numeric(18,2);not null"`
	LoanID        uuid.UUID          `json:"loan_id" gorm:"type:uuid;not null;index"`
	PaymentNumber *int               `json:"payment_number,omitempty"`
	Type          LoanPaymentType    `json:"type" gorm:"not null;index"`
	Attempt       int                `json:"attempt" gorm:"not null;default:1"`
	State         PaymentState       `json:"state" gorm:"not null;default:created;index"`
	InitiatedAt   *time.Time         `json:"initiated_at,omitempty"`
	ScheduledAt   *time.Time         `json:"scheduled_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Steps         []*LoanPaymentStep `json:"steps,omitempty" gorm:"foreignKey:LoanPaymentID"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (LoanPayment) TableName() string {
	return "loan_payments"
}

// SortedSteps returns the payment's steps ordered by Order.
func (p *LoanPayment) SortedSteps() []*LoanPaymentStep {
	steps := make([]*LoanPaymentStep, len(p.Steps))
	copy(steps, p.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// Number returns the payment number or zero when unset.
func (p *LoanPayment) Number() int {
	if p.PaymentNumber == nil {
		return 0
	}
	return *p.PaymentNumber
}

// LoanPaymentStep is one ordered transfer segment of a payment's route.
type LoanPaymentStep struct {
	ID              uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	LoanPaymentID   uuid.UUID         `json:"loan_payment_id" gorm:"type:uuid;not null;index"`
	Order           int               `json:"order" gorm:"column:step_order;not null"`
	Amount          decimal.Decimal   `json:"amount" gorm:"type:numeric(18,2);not null"`
	SourceAccountID uuid.UUID         `json:"source_account_id" gorm:"type:uuid;not null"`
	TargetAccountID uuid.UUID         `json:"target_account_id" gorm:"type:uuid;not null"`
	State           PaymentStepState  `json:"state" gorm:"not null;default:created;index"`
	AwaitStepState  *PaymentStepState `json:"await_step_state,omitempty"`
	AwaitStepID     *uuid.UUID        `json:"await_step_id,omitempty" gorm:"type:uuid"`
	Transfers       []*Transfer       `json:"transfers,omitempty" gorm:"foreignKey:LoanPaymentStepID"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (LoanPaymentStep) TableName() string {
	return "loan_payment_steps"
}

// WebhookEvent represents a stored provider webhook for idempotency.
type WebhookEvent struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Provider    string     `json:"provider" gorm:"not null;uniqueIndex:idx_webhook_provider_event"`
	EventID     string     `json:"event_id" gorm:"not null;uniqueIndex:idx_webhook_provider_event"`
	TransferID  *uuid.UUID `json:"transfer_id,omitempty" gorm:"type:uuid;index"`
	Data        string     `json:"data" gorm:"type:jsonb"`
	Processed   bool       `json:"processed" gorm:"default:false"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// TableName returns the table name for GORM.
func (WebhookEvent) TableName() string {
	return "webhook_events"
}
