package main

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/loanpay/server/internal/adapter/outbound/memory"
	"github.com/loanpay/server/internal/app"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/shared/config"
)

var (
	demoAmount   string
	demoFee      string
	demoPayments int
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a direct bill pay loan end to end on the memory backend",
	Long: `demo seeds a direct bill pay loan in memory and drives it from funding
to repaid with the mock provider, polling every pending transfer after
each stage.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().StringVar(&demoAmount, "amount", "1000", "Loan amount")
	demoCmd.Flags().StringVar(&demoFee, "fee", "50", "Fee amount")
	demoCmd.Flags().IntVar(&demoPayments, "payments", 3, "Number of repayment installments")
}

func runDemo(cmd *cobra.Command, args []string) error {
	amount, err := decimal.NewFromString(demoAmount)
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	fee, err := decimal.NewFromString(demoFee)
	if err != nil {
		return fmt.Errorf("invalid fee: %w", err)
	}

	backend = "memory"
	// Seeded accounts name real providers; only the mock is registered.
	useMock := func(cfg *config.Config) {
		cfg.Transfers.DefaultProvider = string(model.PaymentAccountProviderMock)
		cfg.Transfers.Fallback = true
	}
	return withConfiguredApp(cmd, useMock, func(ctx context.Context, a *app.App) error {
		fixture, err := a.Persistence().Store.SeedDirectBillPay(ctx, memory.LoanTerms{
			Amount:        amount,
			FeeAmount:     fee,
			PaymentsCount: demoPayments,
		})
		if err != nil {
			return fmt.Errorf("seed loan: %w", err)
		}
		loanID := fixture.Loan.ID
		cmd.Printf("seeded loan %s (%s)\n", loanID, fixture.Loan.State)

		for _, next := range []model.LoanState{
			model.LoanStateFunding,
			model.LoanStateDisbursing,
			model.LoanStateRepaying,
		} {
			if _, err := a.Management().ChangeLoanState(ctx, loanID, next); err != nil {
				return fmt.Errorf("change state to %s: %w", next, err)
			}
			if err := settle(ctx, cmd, a); err != nil {
				return err
			}
		}

		for i := 1; i < demoPayments; i++ {
			loan, err := a.Payments().GetLoan(ctx, loanID)
			if err != nil {
				return err
			}
			if loan.State != model.LoanStateRepaying {
				break
			}
			if _, err := a.Management().StepLoanState(ctx, loanID); err != nil {
				return fmt.Errorf("step loan: %w", err)
			}
			if err := settle(ctx, cmd, a); err != nil {
				return err
			}
		}

		loan, err := a.Payments().GetLoan(ctx, loanID, model.LoanRelationPayments)
		if err != nil {
			return err
		}
		return printJSON(cmd, loan)
	})
}

// settle polls every pending transfer until none change.
func settle(ctx context.Context, cmd *cobra.Command, a *app.App) error {
	for {
		pending, err := a.Payments().ListPendingTransfers(ctx, 0, 100)
		if err != nil {
			return err
		}
		changed := false
		for _, t := range pending {
			ok, err := a.Management().PollTransfer(ctx, t.ID)
			if err != nil {
				return fmt.Errorf("poll transfer %s: %w", t.ID, err)
			}
			if ok {
				cmd.Printf("  transfer %s settled\n", t.ID)
			}
			changed = changed || ok
		}
		if !changed {
			return nil
		}
	}
}
