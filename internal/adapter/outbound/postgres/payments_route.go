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

// paymentsRouteAdapter implements outbound.PaymentsRouteDatabasePort.
type paymentsRouteAdapter struct {
	db *gorm.DB
}

// NewPaymentsRouteAdapter creates a new payments route database adapter.
func NewPaymentsRouteAdapter(db *gorm.DB) outbound.PaymentsRouteDatabasePort {
	return &paymentsRouteAdapter{db: db}
}

func (a *paymentsRouteAdapter) Create(ctx context.Context, route *model.PaymentsRoute) error {
	if route.ID == uuid.Nil {
		route.ID = uuid.New()
	}
	for _, step := range route.Steps {
		if step.ID == uuid.Nil {
			step.ID = uuid.New()
		}
		step.RouteID = route.ID
	}
	// Steps are saved through the association.
	if err := a.db.WithContext(ctx).Create(route).Error; err != nil {
		return fmt.Errorf("create payments route: %w", err)
	}
	return nil
}

func (a *paymentsRouteAdapter) Find(ctx context.Context, search model.RouteSearch) (*model.PaymentsRoute, error) {
	var route model.PaymentsRoute
	err := a.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("from_account = ? AND from_ownership = ? AND from_provider = ?",
			search.FromAccount, search.FromOwnership, search.FromProvider).
		Where("to_account = ? AND to_ownership = ? AND to_provider = ?",
			search.ToAccount, search.ToOwnership, search.ToProvider).
		Where("? = ANY(loan_stages_supported)", string(search.LoanStage)).
		Where("? = ANY(loan_types_supported)", string(search.LoanType)).
		Order("created_at ASC").
		First(&route).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find payments route: %w", err)
	}
	return &route, nil
}

// Compile-time check
var _ outbound.PaymentsRouteDatabasePort = (*paymentsRouteAdapter)(nil)
