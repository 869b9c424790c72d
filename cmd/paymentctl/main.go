// Command paymentctl drives loan payments from the command line. It builds
// the same application as the server and calls the management service
// in-process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loanpay/server/internal/app"
	"github.com/loanpay/server/internal/shared/config"
)

var (
	backend  string
	logLevel string
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "paymentctl",
	Short: "Operate loan payments, transfers and the biller catalogue",
	Long: `paymentctl runs loan payment operations against the configured backend.

Configuration is read the same way as the server: config.yaml in the
working directory, ./configs or /etc/loanpay, overridden by LOANPAY_*
environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Override the database backend (postgres or memory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	loanCmd.AddCommand(loanGetCmd, loanStateCmd, loanStepCmd)
	paymentCmd.AddCommand(paymentInitiateCmd, paymentAdvanceCmd)
	stepCmd.AddCommand(stepAdvanceCmd, stepRetryCmd)
	transferCmd.AddCommand(transferPollCmd, transferPollPendingCmd)
	billersCmd.AddCommand(billersImportCmd)

	rootCmd.AddCommand(loanCmd, paymentCmd, stepCmd, transferCmd, billersCmd, migrateCmd, demoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if backend != "" {
		cfg.Database.Backend = backend
	}
	cfg.Log.Level = logLevel
	cfg.Log.Format = "text"
	cfg.Poller.Enabled = false
	return cfg, nil
}

// withApp builds the application, runs fn and releases it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	return withConfiguredApp(cmd, nil, fn)
}

// withConfiguredApp is withApp with a hook to adjust the loaded config.
func withConfiguredApp(cmd *cobra.Command, configure func(cfg *config.Config), fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if configure != nil {
		configure(cfg)
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, a)
}

func parseID(what, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", what, raw, err)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
