// Package memory provides in-process implementations of the lending
// persistence ports. It backs local runs without postgres and the
// orchestration tests.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
)

// Store holds every lending entity behind one lock.
type Store struct {
	mu sync.RWMutex

	loans     map[uuid.UUID]model.Loan
	accounts  map[uuid.UUID]model.PaymentAccount
	billers   map[uuid.UUID]model.Biller
	payments  map[uuid.UUID]model.LoanPayment
	steps     map[uuid.UUID]model.LoanPaymentStep
	transfers map[uuid.UUID]model.Transfer
	errors    map[uuid.UUID]model.TransferError
	routes    map[uuid.UUID]model.PaymentsRoute
	webhooks  map[uuid.UUID]model.WebhookEvent

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		loans:     make(map[uuid.UUID]model.Loan),
		accounts:  make(map[uuid.UUID]model.PaymentAccount),
		billers:   make(map[uuid.UUID]model.Biller),
		payments:  make(map[uuid.UUID]model.LoanPayment),
		steps:     make(map[uuid.UUID]model.LoanPaymentStep),
		transfers: make(map[uuid.UUID]model.Transfer),
		errors:    make(map[uuid.UUID]model.TransferError),
		routes:    make(map[uuid.UUID]model.PaymentsRoute),
		webhooks:  make(map[uuid.UUID]model.WebhookEvent),
		now:       time.Now,
	}
}

// Loans returns the loan port.
func (s *Store) Loans() outbound.LoanDatabasePort { return &loanStore{s} }

// Accounts returns the payment account port.
func (s *Store) Accounts() outbound.PaymentAccountDatabasePort { return &accountStore{s} }

// Payments returns the loan payment port.
func (s *Store) Payments() outbound.LoanPaymentDatabasePort { return &paymentStore{s} }

// Steps returns the payment step port.
func (s *Store) Steps() outbound.PaymentStepDatabasePort { return &stepStore{s} }

// Transfers returns the transfer port.
func (s *Store) Transfers() outbound.TransferDatabasePort { return &transferStore{s} }

// Routes returns the route port.
func (s *Store) Routes() outbound.PaymentsRouteDatabasePort { return &routeStore{s} }

// Billers returns the biller port.
func (s *Store) Billers() outbound.BillerDatabasePort { return &billerStore{s} }

// Webhooks returns the webhook event port.
func (s *Store) Webhooks() outbound.WebhookEventDatabasePort { return &webhookStore{s} }

// stamp fills timestamps the way the database defaults would.
func (s *Store) stamp(created, updated *time.Time) {
	now := s.now()
	if created != nil && created.IsZero() {
		*created = now
	}
	if updated != nil {
		*updated = now
	}
}

// paymentWithSteps copies a payment and attaches copies of its steps.
// Caller holds the lock.
func (s *Store) paymentWithSteps(p model.LoanPayment) *model.LoanPayment {
	p.Steps = nil
	for _, st := range s.steps {
		if st.LoanPaymentID == p.ID {
			step := st
			p.Steps = append(p.Steps, &step)
		}
	}
	sort.Slice(p.Steps, func(i, j int) bool { return p.Steps[i].Order < p.Steps[j].Order })
	return &p
}

// transferWithError copies a transfer and attaches its error record.
// Caller holds the lock.
func (s *Store) transferWithError(t model.Transfer) *model.Transfer {
	t.Error = nil
	for _, e := range s.errors {
		if e.TransferID == t.ID {
			te := e
			t.Error = &te
			break
		}
	}
	return &t
}
