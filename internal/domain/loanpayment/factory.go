package loanpayment

import (
	"fmt"

	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/domain/schedule"
	"github.com/loanpay/server/internal/model"
	"go.uber.org/zap"
)

// Factory resolves the manager of a payment type.
type Factory struct {
	managers map[model.LoanPaymentType]Manager
}

// NewFactory creates managers for every payment type.
func NewFactory(payments payment.PaymentDomain, scheduler *schedule.Scheduler, logger *zap.Logger) *Factory {
	strategies := []strategy{
		fundingStrategy{},
		disbursementStrategy{},
		repaymentStrategy{scheduler: scheduler},
		feeStrategy{},
		refundStrategy{},
	}

	f := &Factory{managers: make(map[model.LoanPaymentType]Manager, len(strategies))}
	for _, s := range strategies {
		f.managers[s.paymentType()] = newBaseManager(s, payments, logger)
	}
	return f
}

// Manager returns the manager for the payment type.
func (f *Factory) Manager(paymentType model.LoanPaymentType) (Manager, error) {
	m, ok := f.managers[paymentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPaymentType, paymentType)
	}
	return m, nil
}
