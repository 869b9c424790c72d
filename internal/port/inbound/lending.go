package inbound

import "github.com/gin-gonic/gin"

// LendingHttpPort defines HTTP handler interface for loan payment operations.
type LendingHttpPort interface {
	// GetLoan handles GET /loans/:id
	// Returns a loan with its payments.
	GetLoan(c *gin.Context)

	// ChangeLoanState handles PUT /loans/:id/state
	ChangeLoanState(c *gin.Context)

	// StepLoanState handles POST /loans/:id/step
	// Re-announces the current state, starting the next repayment.
	StepLoanState(c *gin.Context)

	// InitiatePayment handles POST /loans/:id/payments/:type
	InitiatePayment(c *gin.Context)

	// GetPayment handles GET /payments/:id
	GetPayment(c *gin.Context)

	// AdvancePayment handles POST /payments/:id/advance
	AdvancePayment(c *gin.Context)

	// AdvanceStep handles POST /steps/:id/advance
	AdvanceStep(c *gin.Context)

	// RetryStep handles POST /steps/:id/retry
	RetryStep(c *gin.Context)
}

// TransferHttpPort defines HTTP handler interface for transfer operations.
type TransferHttpPort interface {
	// GetTransfer handles GET /transfers/:id
	GetTransfer(c *gin.Context)

	// ApplyTransferUpdate handles POST /transfers/:id/updates
	// Applies a raw provider update to a known transfer.
	ApplyTransferUpdate(c *gin.Context)

	// PollTransfer handles POST /transfers/:id/poll
	PollTransfer(c *gin.Context)

	// HandleWebhook handles POST /webhooks/:provider
	HandleWebhook(c *gin.Context)
}

// BillerHttpPort defines HTTP handler interface for the biller catalogue.
type BillerHttpPort interface {
	// GetBiller handles GET /billers/:id
	GetBiller(c *gin.Context)

	// ImportBillers handles POST /billers/import
	ImportBillers(c *gin.Context)
}
