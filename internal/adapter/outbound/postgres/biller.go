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

// billerAdapter implements outbound.BillerDatabasePort.
type billerAdapter struct {
	db *gorm.DB
}

// NewBillerAdapter creates a new biller database adapter.
func NewBillerAdapter(db *gorm.DB) outbound.BillerDatabasePort {
	return &billerAdapter{db: db}
}

func (a *billerAdapter) FindByID(ctx context.Context, id uuid.UUID) (*model.Biller, error) {
	var biller model.Biller
	err := a.db.WithContext(ctx).
		Preload("Names").
		Preload("Masks").
		Preload("Addresses").
		Where("id = ?", id).
		First(&biller).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find biller: %w", err)
	}
	return &biller, nil
}

func (a *billerAdapter) ChecksumIndex(ctx context.Context) (map[string]outbound.BillerChecksum, error) {
	var rows []struct {
		ID               uuid.UUID
		ExternalBillerID string
		CRC32            int64 `gorm:"column:crc32"`
	}
	err := a.db.WithContext(ctx).
		Model(&model.Biller{}).
		Select("id, external_biller_id, crc32").
		Where("external_biller_id IS NOT NULL").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load biller checksums: %w", err)
	}

	index := make(map[string]outbound.BillerChecksum, len(rows))
	for _, row := range rows {
		index[row.ExternalBillerID] = outbound.BillerChecksum{ID: row.ID, CRC32: row.CRC32}
	}
	return index, nil
}

func (a *billerAdapter) UpsertBatch(ctx context.Context, billers []*model.Biller) error {
	if len(billers) == 0 {
		return nil
	}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]uuid.UUID, 0, len(billers))
		for _, b := range billers {
			if b.ID == uuid.Nil {
				b.ID = uuid.New()
			}
			ids = append(ids, b.ID)
		}

		// Children are replaced wholesale.
		for _, child := range []interface{}{&model.BillerName{}, &model.BillerMask{}, &model.BillerAddress{}} {
			if err := tx.Where("biller_id IN ?", ids).Delete(child).Error; err != nil {
				return err
			}
		}

		for _, b := range billers {
			if err := tx.Omit("Names", "Masks", "Addresses").Save(b).Error; err != nil {
				return err
			}
			if err := createChildren(tx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert billers: %w", err)
	}
	return nil
}

func createChildren(tx *gorm.DB, b *model.Biller) error {
	for _, n := range b.Names {
		n.BillerID = b.ID
		if n.ID == uuid.Nil {
			n.ID = uuid.New()
		}
	}
	for _, m := range b.Masks {
		m.BillerID = b.ID
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
	}
	for _, addr := range b.Addresses {
		addr.BillerID = b.ID
		if addr.ID == uuid.Nil {
			addr.ID = uuid.New()
		}
	}

	if len(b.Names) > 0 {
		if err := tx.Create(&b.Names).Error; err != nil {
			return err
		}
	}
	if len(b.Masks) > 0 {
		if err := tx.Create(&b.Masks).Error; err != nil {
			return err
		}
	}
	if len(b.Addresses) > 0 {
		if err := tx.Create(&b.Addresses).Error; err != nil {
			return err
		}
	}
	return nil
}

// Compile-time check
var _ outbound.BillerDatabasePort = (*billerAdapter)(nil)
