package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/loanpay/server/internal/model"
	"github.com/shopspring/decimal"
)

// LoanTerms are the loan values a seeded fixture starts from.
type LoanTerms struct {
	Amount        decimal.Decimal
	FeeAmount     decimal.Decimal
	PaymentsCount int
	Frequency     model.PaymentFrequency
	State         model.LoanState
}

// Fixture is a direct bill pay loan with its accounts and routes.
type Fixture struct {
	Loan     *model.Loan
	Lender   *model.PaymentAccount
	Borrower *model.PaymentAccount
	Holding  *model.PaymentAccount
	Biller   *model.PaymentAccount
}

// SeedDirectBillPay stores a lender, borrower, holding and biller account,
// the routes connecting them and a loan in the given state.
//
// Funding and disbursement share a two-step route through the holding
// account. Repayment and fee use a one-step route from borrower to lender.
// Refund moves money from the holding account back to the lender.
func (s *Store) SeedDirectBillPay(ctx context.Context, terms LoanTerms) (*Fixture, error) {
	lender := &model.PaymentAccount{
		Type:      model.PaymentAccountTypeBankAccount,
		Ownership: model.PaymentAccountOwnershipPersonal,
		Provider:  model.PaymentAccountProviderCheckbook,
	}
	borrower := &model.PaymentAccount{
		Type:      model.PaymentAccountTypeDebitCard,
		Ownership: model.PaymentAccountOwnershipPersonal,
		Provider:  model.PaymentAccountProviderTabapay,
	}
	holding := &model.PaymentAccount{
		Type:      model.PaymentAccountTypeBankAccount,
		Ownership: model.PaymentAccountOwnershipInternal,
		Provider:  model.PaymentAccountProviderCheckbook,
	}
	billerAccount := &model.PaymentAccount{
		Type:      model.PaymentAccountTypeBillerNetwork,
		Ownership: model.PaymentAccountOwnershipExternal,
		Provider:  model.PaymentAccountProviderFiserv,
	}
	for _, a := range []*model.PaymentAccount{lender, borrower, holding, billerAccount} {
		if err := s.Accounts().Create(ctx, a); err != nil {
			return nil, err
		}
	}

	externalID := "RPPS-" + uuid.NewString()[:8]
	biller := model.Biller{
		ID:               uuid.New(),
		Name:             "Acme Utilities",
		Type:             model.BillerTypeNetwork,
		PaymentAccountID: &billerAccount.ID,
		ExternalBillerID: &externalID,
	}
	if err := s.Billers().UpsertBatch(ctx, []*model.Biller{&biller}); err != nil {
		return nil, err
	}

	routes := []*model.PaymentsRoute{
		routeBetween(lender, billerAccount,
			[]string{string(model.LoanPaymentTypeFunding), string(model.LoanPaymentTypeDisbursement)},
			[]*model.PaymentsRouteStep{
				{Order: 0, ToID: &holding.ID},
				{Order: 1, FromID: &holding.ID},
			}),
		routeBetween(borrower, lender,
			[]string{string(model.LoanPaymentTypeRepayment), string(model.LoanPaymentTypeFee)},
			[]*model.PaymentsRouteStep{{Order: 0}}),
		routeBetween(billerAccount, lender,
			[]string{string(model.LoanPaymentTypeRefund)},
			[]*model.PaymentsRouteStep{{Order: 0, FromID: &holding.ID}}),
	}
	for _, r := range routes {
		if err := s.Routes().Create(ctx, r); err != nil {
			return nil, err
		}
	}

	state := terms.State
	if state == "" {
		state = model.LoanStateAccepted
	}
	frequency := terms.Frequency
	if frequency == "" {
		frequency = model.PaymentFrequencyMonthly
	}
	start := s.now().AddDate(0, 1, 0).Truncate(24 * time.Hour)
	loan := &model.Loan{
		Amount:             terms.Amount,
		FeeMode:            model.FeeModeStandard,
		FeeAmount:          terms.FeeAmount,
		Type:               model.LoanTypeDirectBillPay,
		State:              state,
		PaymentsCount:      terms.PaymentsCount,
		PaymentFrequency:   frequency,
		LenderID:           uuid.New(),
		BorrowerID:         uuid.New(),
		BillerID:           &biller.ID,
		LenderAccountID:    &lender.ID,
		BorrowerAccountID:  &borrower.ID,
		RepaymentStartDate: &start,
	}
	if err := s.Loans().Create(ctx, loan); err != nil {
		return nil, err
	}

	return &Fixture{
		Loan:     loan,
		Lender:   lender,
		Borrower: borrower,
		Holding:  holding,
		Biller:   billerAccount,
	}, nil
}

func routeBetween(from, to *model.PaymentAccount, stages []string, steps []*model.PaymentsRouteStep) *model.PaymentsRoute {
	return &model.PaymentsRoute{
		FromAccount:         from.Type,
		FromOwnership:       from.Ownership,
		FromProvider:        from.Provider,
		ToAccount:           to.Type,
		ToOwnership:         to.Ownership,
		ToProvider:          to.Provider,
		LoanStagesSupported: pq.StringArray(stages),
		LoanTypesSupported:  pq.StringArray{string(model.LoanTypeDirectBillPay)},
		Steps:               steps,
	}
}
