package outbound

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/model"
)

// LoanDatabasePort defines loan persistence operations.
type LoanDatabasePort interface {
	// Create creates a new loan record.
	Create(ctx context.Context, loan *model.Loan) error

	// FindByID finds a loan by ID, preloading the given relations.
	FindByID(ctx context.Context, id uuid.UUID, relations ...model.LoanRelation) (*model.Loan, error)

	// UpdateState moves a loan from prev to next. Returns false if the loan was not in prev.
	UpdateState(ctx context.Context, id uuid.UUID, prev, next model.LoanState) (bool, error)
}

// PaymentAccountDatabasePort defines payment account persistence operations.
type PaymentAccountDatabasePort interface {
	// Create creates a new payment account.
	Create(ctx context.Context, account *model.PaymentAccount) error

	// FindByID finds a payment account by ID.
	FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentAccount, error)
}

// LoanPaymentDatabasePort defines loan payment persistence operations.
type LoanPaymentDatabasePort interface {
	// Create creates a payment without its steps.
	Create(ctx context.Context, payment *model.LoanPayment) error

	// FindByID finds a payment by ID with its steps.
	FindByID(ctx context.Context, id uuid.UUID) (*model.LoanPayment, error)

	// FindByLoan lists payments of a loan by type, optionally filtered by state.
	FindByLoan(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType, states ...model.PaymentState) ([]*model.LoanPayment, error)

	// UpdateState moves a payment from prev to next. Returns false if the payment was not in prev.
	UpdateState(ctx context.Context, id uuid.UUID, prev, next model.PaymentState) (bool, error)

	// Complete marks a payment completed unless it already is. A failed payment
	// can complete once its failed step is retried.
	Complete(ctx context.Context, id uuid.UUID, completedAt time.Time) (bool, error)

	// Fail marks a non-terminal payment failed.
	Fail(ctx context.Context, id uuid.UUID) (bool, error)

	// FindStalled lists payments whose steps have all settled at or before the
	// given time without the payment following: initiated payments with no
	// pending step, and failed payments with no failed step left.
	FindStalled(ctx context.Context, settledBefore time.Time, limit int) ([]*model.LoanPayment, error)
}

// PaymentStepDatabasePort defines payment step persistence operations.
type PaymentStepDatabasePort interface {
	// CreateBatch creates steps in one statement.
	CreateBatch(ctx context.Context, steps []*model.LoanPaymentStep) error

	// FindByID finds a step by ID.
	FindByID(ctx context.Context, id uuid.UUID) (*model.LoanPaymentStep, error)

	// UpdateState moves a step from prev to next. Returns false if the step was not in prev.
	UpdateState(ctx context.Context, id uuid.UUID, prev, next model.PaymentStepState) (bool, error)

	// FindStalled lists pending steps whose latest transfer settled at or before the given time.
	FindStalled(ctx context.Context, settledBefore time.Time, limit int) ([]*model.LoanPaymentStep, error)
}

// TransferDatabasePort defines transfer persistence operations.
type TransferDatabasePort interface {
	// Create creates a new transfer.
	Create(ctx context.Context, transfer *model.Transfer) error

	// FindByID finds a transfer by ID with its error record.
	FindByID(ctx context.Context, id uuid.UUID) (*model.Transfer, error)

	// FindByExternalID finds a transfer by the provider's reference.
	FindByExternalID(ctx context.Context, provider model.PaymentAccountProvider, externalID string) (*model.Transfer, error)

	// FindByStep lists the transfers of a step ordered by transfer order.
	FindByStep(ctx context.Context, stepID uuid.UUID) ([]*model.Transfer, error)

	// FindPending lists pending transfers last updated before the given time.
	FindPending(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Transfer, error)

	// UpdateState moves a transfer from prev to next. Returns false if the transfer was not in prev.
	UpdateState(ctx context.Context, id uuid.UUID, prev, next model.TransferState) (bool, error)

	// SetExternalID records the provider and its reference for a transfer.
	SetExternalID(ctx context.Context, id uuid.UUID, provider model.PaymentAccountProvider, externalID string) error

	// Fail stores the error record and marks the transfer failed in one transaction.
	// Returns false if the transfer already carries an error.
	Fail(ctx context.Context, id uuid.UUID, transferErr *model.TransferError) (bool, error)
}

// PaymentsRouteDatabasePort defines route persistence operations.
type PaymentsRouteDatabasePort interface {
	// Create creates a route with its steps.
	Create(ctx context.Context, route *model.PaymentsRoute) error

	// Find finds the route matching the search, with steps ordered.
	Find(ctx context.Context, search model.RouteSearch) (*model.PaymentsRoute, error)
}

// BillerChecksum identifies a stored biller and its content checksum.
type BillerChecksum struct {
	ID    uuid.UUID
	CRC32 int64
}

// BillerDatabasePort defines biller catalogue persistence operations.
type BillerDatabasePort interface {
	// FindByID finds a biller by ID.
	FindByID(ctx context.Context, id uuid.UUID) (*model.Biller, error)

	// ChecksumIndex returns the checksum of every stored biller keyed by external biller ID.
	ChecksumIndex(ctx context.Context) (map[string]BillerChecksum, error)

	// UpsertBatch creates or replaces billers and their names, masks and addresses in one transaction.
	UpsertBatch(ctx context.Context, billers []*model.Biller) error
}

// WebhookEventDatabasePort defines webhook event persistence operations.
type WebhookEventDatabasePort interface {
	// Create creates a new webhook event record.
	Create(ctx context.Context, event *model.WebhookEvent) error

	// Find finds a webhook event by provider and event ID.
	Find(ctx context.Context, provider, eventID string) (*model.WebhookEvent, error)

	// MarkProcessed marks a webhook event as processed, recording processErr
	// or clearing an earlier error when it is nil.
	MarkProcessed(ctx context.Context, id uuid.UUID, processErr error) error
}
