package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"gorm.io/gorm"
)

// loanAdapter implements outbound.LoanDatabasePort.
type loanAdapter struct {
	db *gorm.DB
}

// NewLoanAdapter creates a new loan database adapter.
func NewLoanAdapter(db *gorm.DB) outbound.LoanDatabasePort {
	return &loanAdapter{db: db}
}

func (a *loanAdapter) Create(ctx context.Context, loan *model.Loan) error {
	if loan.ID == uuid.Nil {
		loan.ID = uuid.New()
	}
	if err := a.db.WithContext(ctx).Omit("Payments", "Biller").Create(loan).Error; err != nil {
		return fmt.Errorf("create loan: %w", err)
	}
	return nil
}

func (a *loanAdapter) FindByID(ctx context.Context, id uuid.UUID, relations ...model.LoanRelation) (*model.Loan, error) {
	query := a.db.WithContext(ctx)
	for _, rel := range relations {
		switch rel {
		case model.LoanRelationPayments:
			query = query.Preload("Payments", func(db *gorm.DB) *gorm.DB {
				return db.Order("created_at ASC")
			}).Preload("Payments.Steps", func(db *gorm.DB) *gorm.DB {
				return db.Order("step_order ASC")
			})
		default:
			query = query.Preload(string(rel))
		}
	}

	var loan model.Loan
	if err := query.Where("id = ?", id).First(&loan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find loan: %w", err)
	}
	return &loan, nil
}

func (a *loanAdapter) UpdateState(ctx context.Context, id uuid.UUID, prev, next model.LoanState) (bool, error) {
	result := a.db.WithContext(ctx).
		Model(&model.Loan{}).
		Where("id = ? AND state = ?", id, prev).
		Update("state", next)
	if result.Error != nil {
		return false, fmt.Errorf("update loan state: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// paymentAccountAdapter implements outbound.PaymentAccountDatabasePort.
type paymentAccountAdapter struct {
	db *gorm.DB
}

// NewPaymentAccountAdapter creates a new payment account database adapter.
func NewPaymentAccountAdapter(db *gorm.DB) outbound.PaymentAccountDatabasePort {
	return &paymentAccountAdapter{db: db}
}

func (a *paymentAccountAdapter) Create(ctx context.Context, account *model.PaymentAccount) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if err := a.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("create payment account: %w", err)
	}
	return nil
}

func (a *paymentAccountAdapter) FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentAccount, error) {
	var account model.PaymentAccount
	if err := a.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find payment account: %w", err)
	}
	return &account, nil
}

// Compile-time checks
var (
	_ outbound.LoanDatabasePort           = (*loanAdapter)(nil)
	_ outbound.PaymentAccountDatabasePort = (*paymentAccountAdapter)(nil)
)
