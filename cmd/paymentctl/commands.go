package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/loanpay/server/internal/app"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/shared/database"
)

var loanCmd = &cobra.Command{
	Use:   "loan",
	Short: "Inspect and move loans",
}

var loanGetCmd = &cobra.Command{
	Use:   "get <loan-id>",
	Short: "Show a loan with its payments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("loan", args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			loan, err := a.Payments().GetLoan(ctx, id, model.LoanRelationPayments)
			if err != nil {
				return err
			}
			return printJSON(cmd, loan)
		})
	},
}

var loanStateCmd = &cobra.Command{
	Use:   "state <loan-id> <state>",
	Short: "Change the loan state and start the payment it implies",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("loan", args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			loan, err := a.Management().ChangeLoanState(ctx, id, model.LoanState(args[1]))
			if err != nil {
				return err
			}
			return printJSON(cmd, loan)
		})
	},
}

var loanStepCmd = &cobra.Command{
	Use:   "step <loan-id>",
	Short: "Re-run the current loan stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("loan", args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			loan, err := a.Management().StepLoanState(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, loan)
		})
	},
}

var paymentCmd = &cobra.Command{
	Use:   "payment",
	Short: "Initiate and advance loan payments",
}

var paymentInitiateCmd = &cobra.Command{
	Use:   "initiate <loan-id> <type>",
	Short: "Initiate a funding, disbursement, repayment, fee or refund payment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("loan", args[0])
		if err != nil {
			return err
		}
		paymentType := model.LoanPaymentType(args[1])
		if !paymentType.IsValid() {
			return errors.New("unknown payment type " + args[1])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			p, err := a.Management().InitiateLoanPayment(ctx, id, paymentType)
			if err != nil {
				return err
			}
			return printJSON(cmd, model.InitiatePaymentResponse{Payment: p})
		})
	},
}

var paymentAdvanceType string

var paymentAdvanceCmd = &cobra.Command{
	Use:   "advance <payment-id>",
	Short: "Advance a payment through its state machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("payment", args[0])
		if err != nil {
			return err
		}
		var paymentType *model.LoanPaymentType
		if paymentAdvanceType != "" {
			t := model.LoanPaymentType(paymentAdvanceType)
			paymentType = &t
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			changed, err := a.Management().AdvancePayment(ctx, id, paymentType)
			if err != nil {
				return err
			}
			return printJSON(cmd, model.AdvanceResponse{Changed: changed})
		})
	},
}

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Advance and retry payment steps",
}

var stepAdvanceState string

var stepAdvanceCmd = &cobra.Command{
	Use:   "advance <step-id>",
	Short: "Advance a payment step, optionally asserting its current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("step", args[0])
		if err != nil {
			return err
		}
		var state *model.PaymentStepState
		if stepAdvanceState != "" {
			s := model.PaymentStepState(stepAdvanceState)
			state = &s
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			changed, err := a.Management().AdvanceStep(ctx, id, state)
			if err != nil {
				return err
			}
			return printJSON(cmd, model.AdvanceResponse{Changed: changed})
		})
	},
}

var stepRetryCmd = &cobra.Command{
	Use:   "retry <step-id>",
	Short: "Start a new transfer for a failed step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("step", args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			t, err := a.Management().RetryPaymentStep(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, t)
		})
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Poll transfer status from providers",
}

var transferPollCmd = &cobra.Command{
	Use:   "poll <transfer-id>",
	Short: "Fetch and apply the provider status of one transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("transfer", args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			changed, err := a.Management().PollTransfer(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, model.AdvanceResponse{Changed: changed})
		})
	},
}

var transferPollPendingCmd = &cobra.Command{
	Use:   "poll-pending",
	Short: "Poll one batch of stale pending transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Poller.Enabled = true
		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer a.Stop()

		changed, err := a.Poller().RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]int{"changed": changed})
	},
}

var billersCmd = &cobra.Command{
	Use:   "billers",
	Short: "Manage the biller catalogue",
}

var billersImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an RPPS biller file from storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			result, err := a.Importer().Import(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the postgres schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			db := a.Persistence().DB
			if db == nil {
				return errors.New("migrate requires the postgres backend")
			}
			if err := database.Migrate(db); err != nil {
				return err
			}
			cmd.Println("schema up to date")
			return nil
		})
	},
}

func init() {
	paymentAdvanceCmd.Flags().StringVar(&paymentAdvanceType, "type", "", "Expected payment type")
	stepAdvanceCmd.Flags().StringVar(&stepAdvanceState, "state", "", "Expected current step state")
}
