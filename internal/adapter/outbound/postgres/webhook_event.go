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

// webhookEventAdapter implements outbound.WebhookEventDatabasePort.
// Rows are keyed by (provider, event_id); a row that was never marked
// processed, or was processed with an error, is reused on redelivery.
type webhookEventAdapter struct {
	db *gorm.DB
}

// NewWebhookEventAdapter creates a new webhook event database adapter.
func NewWebhookEventAdapter(db *gorm.DB) outbound.WebhookEventDatabasePort {
	return &webhookEventAdapter{db: db}
}

func (a *webhookEventAdapter) Create(ctx context.Context, event *model.WebhookEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if err := a.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("record webhook %s/%s: %w", event.Provider, event.EventID, err)
	}
	return nil
}

func (a *webhookEventAdapter) Find(ctx context.Context, provider, eventID string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	err := a.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", provider, eventID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find webhook %s/%s: %w", provider, eventID, err)
	}
	return &event, nil
}

func (a *webhookEventAdapter) MarkProcessed(ctx context.Context, id uuid.UUID, processErr error) error {
	var errText *string
	if processErr != nil {
		msg := processErr.Error()
		errText = &msg
	}
	result := a.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":    true,
			"processed_at": time.Now(),
			"error":        errText,
		})
	if result.Error != nil {
		return fmt.Errorf("mark webhook %s processed: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("mark webhook %s processed: no such event", id)
	}
	return nil
}

// Compile-time check
var _ outbound.WebhookEventDatabasePort = (*webhookEventAdapter)(nil)
