package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanState represents the lifecycle state of a loan.
type LoanState string

const (
	LoanStateCreated          LoanState = "created"
	LoanStateRequested        LoanState = "requested"
	LoanStateOffered          LoanState = "offered"
	LoanStateBound            LoanState = "bound"
	LoanStateAccepted         LoanState = "accepted"
	LoanStateFunding          LoanState = "funding"
	LoanStateFundingPaused    LoanState = "funding_paused"
	LoanStateFunded           LoanState = "funded"
	LoanStateDisbursing       LoanState = "disbursing"
	LoanStateDisbursingPaused LoanState = "disbursing_paused"
	LoanStateDisbursed        LoanState = "disbursed"
	LoanStateRepaying         LoanState = "repaying"
	LoanStateRepaymentPaused  LoanState = "repayment_paused"
	LoanStateRepaid           LoanState = "repaid"
	LoanStateClosed           LoanState = "closed"
)

// PaymentType returns the payment type driven by the loan state, if any.
func (s LoanState) PaymentType() (LoanPaymentType, bool) {
	switch s {
	case LoanStateFunding:
		return LoanPaymentTypeFunding, true
	case LoanStateDisbursing:
		return LoanPaymentTypeDisbursement, true
	case LoanStateRepaying:
		return LoanPaymentTypeRepayment, true
	default:
		return "", false
	}
}

// LoanType represents the kind of loan.
type LoanType string

const (
	LoanTypeDirectBillPay        LoanType = "dbp"
	LoanTypePersonal             LoanType = "p2p"
	LoanTypeReimbursementRequest LoanType = "rr"
)

// PaymentFrequency represents how often repayments are due.
type PaymentFrequency string

const (
	PaymentFrequencyMonthly     PaymentFrequency = "monthly"
	PaymentFrequencyWeekly      PaymentFrequency = "weekly"
	PaymentFrequencySemimonthly PaymentFrequency = "semimonthly"
)

// FeeMode represents how the loan fee is charged.
type FeeMode string

const (
	FeeModeStandard FeeMode = "standard"
)

// LoanRelation names an association to preload with a loan.
type LoanRelation string

const (
	LoanRelationPayments LoanRelation = "Payments"
	LoanRelationBiller   LoanRelation = "Biller"
)

// Loan represents a loan between a lender and a borrower.
type Loan struct {
	ID                   uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	Amount               decimal.Decimal  `json:"amount" gorm:"type:numeric(18,2);not null"`
	FeeMode              FeeMode          `json:"fee_mode" gorm:"not null;default:standard"`
	FeeAmount            decimal.Decimal  `json:"fee_amount" gorm:"type:numeric(18,2);not null;default:0"`
	Type                 LoanType         `json:"type" gorm:"not null"`
	State                LoanState        `json:"state" gorm:"not null;index"`
	PaymentsCount        int              `json:"payments_count" gorm:"not null"`
	PaymentFrequency     PaymentFrequency `json:"payment_frequency" gorm:"not null;default:monthly"`
	LenderID             uuid.UUID        `json:"lender_id" gorm:"type:uuid;index"`
	BorrowerID           uuid.UUID        `json:"borrower_id" gorm:"type:uuid;index"`
	BillerID             *uuid.UUID       `json:"biller_id,omitempty" gorm:"type:uuid"`
	Biller               *Biller          `json:"biller,omitempty" gorm:"foreignKey:BillerID"`
	BillingAccountNumber string           `json:"billing_account_number,omitempty"`
	LenderAccountID      *uuid.UUID       `json:"lender_account_id,omitempty" gorm:"type:uuid"`
	BorrowerAccountID    *uuid.UUID       `json:"borrower_account_id,omitempty" gorm:"type:uuid"`
	RetryCount           int              `json:"retry_count" gorm:"not null;default:0"`
	RepaymentStartDate   *time.Time       `json:"repayment_start_date,omitempty"`
	Payments             []*LoanPayment   `json:"payments,omitempty" gorm:"foreignKey:LoanID"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Loan) TableName() string {
	return "loans"
}

// PaymentsOfType returns the loan's payments of the given type.
func (l *Loan) PaymentsOfType(t LoanPaymentType) []*LoanPayment {
	var out []*LoanPayment
	for _, p := range l.Payments {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// PaymentAccountType represents the rail an account sits on.
type PaymentAccountType string

const (
	PaymentAccountTypeDebitCard     PaymentAccountType = "debit_card"
	PaymentAccountTypeBankAccount   PaymentAccountType = "bank_account"
	PaymentAccountTypeBillerNetwork PaymentAccountType = "biller_network"
)

// PaymentAccountOwnership represents who owns an account.
type PaymentAccountOwnership string

const (
	PaymentAccountOwnershipPersonal PaymentAccountOwnership = "personal"
	PaymentAccountOwnershipInternal PaymentAccountOwnership = "internal"
	PaymentAccountOwnershipExternal PaymentAccountOwnership = "external"
)

// PaymentAccountProvider represents the money-movement provider behind an account.
type PaymentAccountProvider string

const (
	PaymentAccountProviderCheckbook PaymentAccountProvider = "checkbook"
	PaymentAccountProviderFiserv    PaymentAccountProvider = "fiserv"
	PaymentAccountProviderTabapay   PaymentAccountProvider = "tabapay"
	PaymentAccountProviderStripe    PaymentAccountProvider = "stripe"
	PaymentAccountProviderMock      PaymentAccountProvider = "mock"
)

// IsValid reports whether the provider is known.
func (p PaymentAccountProvider) IsValid() bool {
	switch p {
	case PaymentAccountProviderCheckbook, PaymentAccountProviderFiserv,
		PaymentAccountProviderTabapay, PaymentAccountProviderStripe, PaymentAccountProviderMock:
		return true
	}
	return false
}

// PaymentAccount represents a source or destination of funds.
type PaymentAccount struct {
	ID         uuid.UUID               `json:"id" gorm:"type:uuid;primaryKey"`
	OwnerID    *uuid.UUID              `json:"owner_id,omitempty" gorm:"type:uuid;index"`
	Type       PaymentAccountType      `json:"type" gorm:"not null"`
	Ownership  PaymentAccountOwnership `json:"ownership" gorm:"not null"`
	Provider   PaymentAccountProvider  `json:"provider" gorm:"not null"`
	ExternalID string                  `json:"external_id,omitempty"`
	Details    map[string]any          `json:"details,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (PaymentAccount) TableName() string {
	return "payment_accounts"
}
