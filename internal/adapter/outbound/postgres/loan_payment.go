package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"gorm.io/gorm"
)

func orderedSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_order ASC")
}

// loanPaymentAdapter implements outbound.LoanPaymentDatabasePort.
type loanPaymentAdapter struct {
	db *gorm.DB
}

// NewLoanPaymentAdapter creates a new loan payment database adapter.
func NewLoanPaymentAdapter(db *gorm.DB) outbound.LoanPaymentDatabasePort {
	return &loanPaymentAdapter{db: db}
}

func (a *loanPaymentAdapter) Create(ctx context.Context, payment *model.LoanPayment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.State == "" {
		payment.State = model.PaymentStateCreated
	}
	if payment.Attempt == 0 {
		payment.Attempt = 1
	}
	if err := a.db.WithContext(ctx).Omit("Steps").Create(payment).Error; err != nil {
		return fmt.Errorf("create loan payment: %w", err)
	}
	return nil
}

func (a *loanPaymentAdapter) FindByID(ctx context.Context, id uuid.UUID) (*model.LoanPayment, error) {
	var payment model.LoanPayment
	err := a.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("id = ?", id).
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find loan payment: %w", err)
	}
	return &payment, nil
}

func (a *loanPaymentAdapter) FindByLoan(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType, states ...model.PaymentState) ([]*model.LoanPayment, error) {
	query := a.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("loan_id = ? AND type = ?", loanID, paymentType)
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}

	var payments []*model.LoanPayment
	if err := query.Order("created_at ASC").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("find loan payments: %w", err)
	}
	return payments, nil
}

func (a *loanPaymentAdapter) UpdateState(ctx context.Context, id uuid.UUID, prev, next model.PaymentState) (bool, error) {
	result := a.db.WithContext(ctx).
		Model(&model.LoanPayment{}).
		Where("id = ? AND state = ?", id, prev).
		Update("state", next)
	if result.Error != nil {
		return false, fmt.Errorf("update loan payment state: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (a *loanPaymentAdapter) Complete(ctx context.Context, id uuid.UUID, completedAt time.Time) (bool, error) {
	result := a.db.WithContext(ctx).
		Model(&model.LoanPayment{}).
		Where("id = ? AND state <> ?", id, model.PaymentStateCompleted).
		Updates(map[string]interface{}{
			"state":        model.PaymentStateCompleted,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("complete loan payment: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (a *loanPaymentAdapter) Fail(ctx context.Context, id uuid.UUID) (bool, error) {
	result := a.db.WithContext(ctx).
		Model(&model.LoanPayment{}).
		Where("id = ? AND state IN ?", id, []model.PaymentState{model.PaymentStateCreated, model.PaymentStatePending}).
		Update("state", model.PaymentStateFailed)
	if result.Error != nil {
		return false, fmt.Errorf("fail loan payment: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (a *loanPaymentAdapter) FindStalled(ctx context.Context, settledBefore time.Time, limit int) ([]*model.LoanPayment, error) {
	busy := a.db.Model(&model.LoanPaymentStep{}).Select("1").
		Where("loan_payment_steps.loan_payment_id = loan_payments.id").
		Where("loan_payment_steps.state = ? OR loan_payment_steps.updated_at > ?", model.PaymentStepStatePending, settledBefore)
	failed := a.db.Model(&model.LoanPaymentStep{}).Select("1").
		Where("loan_payment_steps.loan_payment_id = loan_payments.id AND loan_payment_steps.state = ?", model.PaymentStepStateFailed)
	anyStep := a.db.Model(&model.LoanPaymentStep{}).Select("1").
		Where("loan_payment_steps.loan_payment_id = loan_payments.id")

	initiated := a.db.Where("loan_payments.state IN ?", []model.PaymentState{model.PaymentStateCreated, model.PaymentStatePending})
	retried := a.db.Where("loan_payments.state = ?", model.PaymentStateFailed).
		Where("EXISTS (?)", anyStep).
		Where("NOT EXISTS (?)", failed)

	query := a.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("loan_payments.updated_at <= ?", settledBefore).
		Where("NOT EXISTS (?)", busy).
		Where(initiated.Or(retried)).
		Order("loan_payments.updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var payments []*model.LoanPayment
	if err := query.Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("find stalled loan payments: %w", err)
	}
	return payments, nil
}

// paymentStepAdapter implements outbound.PaymentStepDatabasePort.
type paymentStepAdapter struct {
	db *gorm.DB
}

// NewPaymentStepAdapter creates a new payment step database adapter.
func NewPaymentStepAdapter(db *gorm.DB) outbound.PaymentStepDatabasePort {
	return &paymentStepAdapter{db: db}
}

func (a *paymentStepAdapter) CreateBatch(ctx context.Context, steps []*model.LoanPaymentStep) error {
	if len(steps) == 0 {
		return nil
	}
	for _, step := range steps {
		if step.ID == uuid.Nil {
			step.ID = uuid.New()
		}
		if step.State == "" {
			step.State = model.PaymentStepStateCreated
		}
	}
	if err := a.db.WithContext(ctx).Omit("Transfers").Create(&steps).Error; err != nil {
		return fmt.Errorf("create payment steps: %w", err)
	}
	return nil
}

func (a *paymentStepAdapter) FindByID(ctx context.Context, id uuid.UUID) (*model.LoanPaymentStep, error) {
	var step model.LoanPaymentStep
	if err := a.db.WithContext(ctx).Where("id = ?", id).First(&step).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find payment step: %w", err)
	}
	return &step, nil
}

func (a *paymentStepAdapter) UpdateState(ctx context.Context, id uuid.UUID, prev, next model.PaymentStepState) (bool, error) {
	result := a.db.WithContext(ctx).
		Model(&model.LoanPaymentStep{}).
		Where("id = ? AND state = ?", id, prev).
		Update("state", next)
	if result.Error != nil {
		return false, fmt.Errorf("update payment step state: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (a *paymentStepAdapter) FindStalled(ctx context.Context, settledBefore time.Time, limit int) ([]*model.LoanPaymentStep, error) {
	later := a.db.Table("transfers AS later").Select("1").
		Where("later.loan_payment_step_id = t.loan_payment_step_id AND later.transfer_order > t.transfer_order")
	settled := a.db.Table("transfers AS t").Select("1").
		Where("t.loan_payment_step_id = loan_payment_steps.id").
		Where("t.state IN ?", []model.TransferState{model.TransferStateCompleted, model.TransferStateFailed}).
		Where("t.updated_at <= ?", settledBefore).
		Where("NOT EXISTS (?)", later)

	query := a.db.WithContext(ctx).
		Where("loan_payment_steps.state = ?", model.PaymentStepStatePending).
		Where("EXISTS (?)", settled).
		Order("loan_payment_steps.updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var steps []*model.LoanPaymentStep
	if err := query.Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("find stalled payment steps: %w", err)
	}
	return steps, nil
}

// Compile-time checks
var (
	_ outbound.LoanPaymentDatabasePort = (*loanPaymentAdapter)(nil)
	_ outbound.PaymentStepDatabasePort = (*paymentStepAdapter)(nil)
)
