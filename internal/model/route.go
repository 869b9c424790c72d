package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PaymentsRoute is a predefined sequence of step templates between two kinds of account.
type PaymentsRoute struct {
	ID                  uuid.UUID               `json:"id" gorm:"type:uuid;primaryKey"`
	FromAccount         PaymentAccountType      `json:"from_account" gorm:"not null"`
	FromOwnership       PaymentAccountOwnership `json:"from_ownership" gorm:"not null"`
	FromProvider        PaymentAccountProvider  `json:"from_provider" gorm:"not null"`
	ToAccount           PaymentAccountType      `json:"to_account" gorm:"not null"`
	ToOwnership         PaymentAccountOwnership `json:"to_ownership" gorm:"not null"`
	ToProvider          PaymentAccountProvider  `json:"to_provider" gorm:"not null"`
	LoanStagesSupported pq.StringArray          `json:"loan_stages_supported" gorm:"type:text[]"`
	LoanTypesSupported  pq.StringArray          `json:"loan_types_supported" gorm:"type:text[]"`
	Steps               []*PaymentsRouteStep    `json:"steps,omitempty" gorm:"foreignKey:RouteID"`
	CreatedAt           time.Time               `json:"created_at"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (PaymentsRoute) TableName() string {
	return "payments_routes"
}

// PaymentsRouteStep is a step template within a route. Nil account IDs
// resolve to the payment's own source or destination account.
type PaymentsRouteStep struct {
	ID      uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	RouteID uuid.UUID  `json:"route_id" gorm:"type:uuid;not null;index"`
	Order   int        `json:"order" gorm:"column:step_order;not null"`
	FromID  *uuid.UUID `json:"from_id,omitempty" gorm:"type:uuid"`
	ToID    *uuid.UUID `json:"to_id,omitempty" gorm:"type:uuid"`
}

// TableName returns the table name for GORM.
func (PaymentsRouteStep) TableName() string {
	return "payments_route_steps"
}

// RouteSearch describes the accounts and loan context a route must match.
type RouteSearch struct {
	FromAccount   PaymentAccountType
	FromOwnership PaymentAccountOwnership
	FromProvider  PaymentAccountProvider
	ToAccount     PaymentAccountType
	ToOwnership   PaymentAccountOwnership
	ToProvider    PaymentAccountProvider
	LoanStage     LoanPaymentType
	LoanType      LoanType
}

// NewRouteSearch builds a search from the two accounts of a payment.
func NewRouteSearch(from, to *PaymentAccount, stage LoanPaymentType, loanType LoanType) RouteSearch {
	return RouteSearch{
		FromAccount:   from.Type,
		FromOwnership: from.Ownership,
		FromProvider:  from.Provider,
		ToAccount:     to.Type,
		ToOwnership:   to.Ownership,
		ToProvider:    to.Provider,
		LoanStage:     stage,
		LoanType:      loanType,
	}
}
