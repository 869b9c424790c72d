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
	"gorm.io/gorm/clause"
)

// transferAdapter implements outbound.TransferDatabasePort.
type transferAdapter struct {
	db *gorm.DB
}

// NewTransferAdapter creates a new transfer database adapter.
func NewTransferAdapter(db *gorm.DB) outbound.TransferDatabasePort {
	return &transferAdapter{db: db}
}

func (a *transferAdapter) Create(ctx context.Context, transfer *model.Transfer) error {
	if transfer.ID == uuid.Nil {
		transfer.ID = uuid.New()
	}
	if transfer.State == "" {
		transfer.State = model.TransferStateCreated
	}
	if err := a.db.WithContext(ctx).Omit("Error").Create(transfer).Error; err != nil {
		return fmt.Errorf("create transfer: %w", err)
	}
	return nil
}

func (a *transferAdapter) FindByID(ctx context.Context, id uuid.UUID) (*model.Transfer, error) {
	return a.findOne(ctx, "find transfer", "id = ?", id)
}

func (a *transferAdapter) FindByExternalID(ctx context.Context, provider model.PaymentAccountProvider, externalID string) (*model.Transfer, error) {
	return a.findOne(ctx, "find transfer by external id", "provider = ? AND external_id = ?", provider, externalID)
}

func (a *transferAdapter) findOne(ctx context.Context, op string, query string, args ...interface{}) (*model.Transfer, error) {
	var transfer model.Transfer
	err := a.db.WithContext(ctx).
		Preload("Error").
		Where(query, args...).
		First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &transfer, nil
}

func (a *transferAdapter) FindByStep(ctx context.Context, stepID uuid.UUID) ([]*model.Transfer, error) {
	var transfers []*model.Transfer
	err := a.db.WithContext(ctx).
		Preload("Error").
		Where("loan_payment_step_id = ?", stepID).
		Order("transfer_order ASC, created_at ASC").
		Find(&transfers).Error
	if err != nil {
		return nil, fmt.Errorf("find step transfers: %w", err)
	}
	return transfers, nil
}

func (a *transferAdapter) FindPending(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Transfer, error) {
	query := a.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", model.TransferStatePending, updatedBefore).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var transfers []*model.Transfer
	if err := query.Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("find pending transfers: %w", err)
	}
	return transfers, nil
}

func (a *transferAdapter) UpdateState(ctx context.Context, id uuid.UUID, prev, next model.TransferState) (bool, error) {
	result := a.db.WithContext(ctx).
		Model(&model.Transfer{}).
		Where("id = ? AND state = ?", id, prev).
		Update("state", next)
	if result.Error != nil {
		return false, fmt.Errorf("update transfer state: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (a *transferAdapter) SetExternalID(ctx context.Context, id uuid.UUID, provider model.PaymentAccountProvider, externalID string) error {
	err := a.db.WithContext(ctx).
		Model(&model.Transfer{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"provider":    provider,
			"external_id": externalID,
		}).Error
	if err != nil {
		return fmt.Errorf("set transfer external id: %w", err)
	}
	return nil
}

// errTransferSettled aborts the fail transaction without reporting an error.
var errTransferSettled = errors.New("transfer already settled")

func (a *transferAdapter) Fail(ctx context.Context, id uuid.UUID, transferErr *model.TransferError) (bool, error) {
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row lock so concurrent failures of the same transfer serialize.
		var transfer model.Transfer
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&transfer).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errTransferSettled
			}
			return err
		}
		if transfer.State == model.TransferStateCompleted {
			return errTransferSettled
		}

		var existing int64
		if err := tx.Model(&model.TransferError{}).Where("transfer_id = ?", id).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return errTransferSettled
		}

		if transferErr.ID == uuid.Nil {
			transferErr.ID = uuid.New()
		}
		transferErr.TransferID = id
		if err := tx.Create(transferErr).Error; err != nil {
			return err
		}
		return tx.Model(&model.Transfer{}).
			Where("id = ?", id).
			Update("state", model.TransferStateFailed).Error
	})
	if errors.Is(err, errTransferSettled) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail transfer: %w", err)
	}
	return true, nil
}

// Compile-time check
var _ outbound.TransferDatabasePort = (*transferAdapter)(nil)
