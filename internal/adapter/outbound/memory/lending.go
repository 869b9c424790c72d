package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
)

// --- Loans ---

type loanStore struct{ s *Store }

func (r *loanStore) Create(ctx context.Context, loan *model.Loan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if loan.ID == uuid.Nil {
		loan.ID = uuid.New()
	}
	r.s.stamp(&loan.CreatedAt, &loan.UpdatedAt)
	stored := *loan
	stored.Payments = nil
	stored.Biller = nil
	r.s.loans[loan.ID] = stored
	return nil
}

func (r *loanStore) FindByID(ctx context.Context, id uuid.UUID, relations ...model.LoanRelation) (*model.Loan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	loan, ok := r.s.loans[id]
	if !ok {
		return nil, nil
	}
	for _, rel := range relations {
		switch rel {
		case model.LoanRelationPayments:
			for _, p := range r.s.payments {
				if p.LoanID == id {
					loan.Payments = append(loan.Payments, r.s.paymentWithSteps(p))
				}
			}
			sort.Slice(loan.Payments, func(i, j int) bool {
				return loan.Payments[i].CreatedAt.Before(loan.Payments[j].CreatedAt)
			})
		case model.LoanRelationBiller:
			if loan.BillerID != nil {
				if b, ok := r.s.billers[*loan.BillerID]; ok {
					loan.Biller = &b
				}
			}
		}
	}
	return &loan, nil
}

func (r *loanStore) UpdateState(ctx context.Context, id uuid.UUID, prev, next model.LoanState) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	loan, ok := r.s.loans[id]
	if !ok || loan.State != prev {
		return false, nil
	}
	loan.State = next
	r.s.stamp(nil, &loan.UpdatedAt)
	r.s.loans[id] = loan
	return true, nil
}

// --- Accounts ---

type accountStore struct{ s *Store }

func (r *accountStore) Create(ctx context.Context, account *model.PaymentAccount) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	r.s.stamp(&account.CreatedAt, &account.UpdatedAt)
	r.s.accounts[account.ID] = *account
	return nil
}

func (r *accountStore) FindByID(ctx context.Context, id uuid.UUID) (*model.PaymentAccount, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	account, ok := r.s.accounts[id]
	if !ok {
		return nil, nil
	}
	return &account, nil
}

// --- Payments ---

type paymentStore struct{ s *Store }

func (r *paymentStore) Create(ctx context.Context, payment *model.LoanPayment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.State == "" {
		payment.State = model.PaymentStateCreated
	}
	if payment.Attempt == 0 {
		payment.Attempt = 1
	}
	r.s.stamp(&payment.CreatedAt, &payment.UpdatedAt)
	stored := *payment
	stored.Steps = nil
	r.s.payments[payment.ID] = stored
	return nil
}

func (r *paymentStore) FindByID(ctx context.Context, id uuid.UUID) (*model.LoanPayment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.payments[id]
	if !ok {
		return nil, nil
	}
	return r.s.paymentWithSteps(p), nil
}

func (r *paymentStore) FindByLoan(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType, states ...model.PaymentState) ([]*model.LoanPayment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*model.LoanPayment
	for _, p := range r.s.payments {
		if p.LoanID != loanID || p.Type != paymentType {
			continue
		}
		if len(states) > 0 && !containsState(states, p.State) {
			continue
		}
		out = append(out, r.s.paymentWithSteps(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *paymentStore) UpdateState(ctx context.Context, id uuid.UUID, prev, next model.PaymentState) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.payments[id]
	if !ok || p.State != prev {
		return false, nil
	}
	p.State = next
	r.s.stamp(nil, &p.UpdatedAt)
	r.s.payments[id] = p
	return true, nil
}

func (r *paymentStore) Complete(ctx context.Context, id uuid.UUID, completedAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.payments[id]
	if !ok || p.State == model.PaymentStateCompleted {
		return false, nil
	}
	p.State = model.PaymentStateCompleted
	p.CompletedAt = &completedAt
	r.s.stamp(nil, &p.UpdatedAt)
	r.s.payments[id] = p
	return true, nil
}

func (r *paymentStore) Fail(ctx context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.payments[id]
	if !ok || p.State.IsTerminal() {
		return false, nil
	}
	p.State = model.PaymentStateFailed
	r.s.stamp(nil, &p.UpdatedAt)
	r.s.payments[id] = p
	return true, nil
}

func (r *paymentStore) FindStalled(ctx context.Context, settledBefore time.Time, limit int) ([]*model.LoanPayment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*model.LoanPayment
	for _, p := range r.s.payments {
		if p.UpdatedAt.After(settledBefore) {
			continue
		}
		if !p.State.IsInitiated() && p.State != model.PaymentStateFailed {
			continue
		}
		withSteps := r.s.paymentWithSteps(p)
		if stepsSettled(withSteps, settledBefore) {
			out = append(out, withSteps)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// stepsSettled reports whether no step of p is in flight or changed after
// the cutoff. A failed payment also needs a retried failed step.
func stepsSettled(p *model.LoanPayment, cutoff time.Time) bool {
	if p.State == model.PaymentStateFailed && len(p.Steps) == 0 {
		return false
	}
	for _, st := range p.Steps {
		if st.State == model.PaymentStepStatePending || st.UpdatedAt.After(cutoff) {
			return false
		}
		if p.State == model.PaymentStateFailed && st.State == model.PaymentStepStateFailed {
			return false
		}
	}
	return true
}

func containsState(states []model.PaymentState, s model.PaymentState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// --- Steps ---

type stepStore struct{ s *Store }

func (r *stepStore) CreateBatch(ctx context.Context, steps []*model.LoanPaymentStep) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, step := range steps {
		if _, ok := r.s.payments[step.LoanPaymentID]; !ok {
			return fmt.Errorf("create steps: payment %s does not exist", step.LoanPaymentID)
		}
	}
	for _, step := range steps {
		if step.ID == uuid.Nil {
			step.ID = uuid.New()
		}
		if step.State == "" {
			step.State = model.PaymentStepStateCreated
		}
		r.s.stamp(&step.CreatedAt, &step.UpdatedAt)
		stored := *step
		stored.Transfers = nil
		r.s.steps[step.ID] = stored
	}
	return nil
}

func (r *stepStore) FindByID(ctx context.Context, id uuid.UUID) (*model.LoanPaymentStep, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	step, ok := r.s.steps[id]
	if !ok {
		return nil, nil
	}
	return &step, nil
}

func (r *stepStore) UpdateState(ctx context.Context, id uuid.UUID, prev, next model.PaymentStepState) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	step, ok := r.s.steps[id]
	if !ok || step.State != prev {
		return false, nil
	}
	step.State = next
	r.s.stamp(nil, &step.UpdatedAt)
	r.s.steps[id] = step
	return true, nil
}

func (r *stepStore) FindStalled(ctx context.Context, settledBefore time.Time, limit int) ([]*model.LoanPaymentStep, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	latest := make(map[uuid.UUID]model.Transfer)
	for _, t := range r.s.transfers {
		if t.LoanPaymentStepID == nil {
			continue
		}
		if cur, ok := latest[*t.LoanPaymentStepID]; !ok || t.Order > cur.Order {
			latest[*t.LoanPaymentStepID] = t
		}
	}

	var out []*model.LoanPaymentStep
	for _, st := range r.s.steps {
		if st.State != model.PaymentStepStatePending {
			continue
		}
		t, ok := latest[st.ID]
		if !ok || !t.State.IsTerminal() || t.UpdatedAt.After(settledBefore) {
			continue
		}
		step := st
		out = append(out, &step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Transfers ---

type transferStore struct{ s *Store }

func (r *transferStore) Create(ctx context.Context, transfer *model.Transfer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if transfer.ID == uuid.Nil {
		transfer.ID = uuid.New()
	}
	if transfer.State == "" {
		transfer.State = model.TransferStateCreated
	}
	r.s.stamp(&transfer.CreatedAt, &transfer.UpdatedAt)
	stored := *transfer
	stored.Error = nil
	r.s.transfers[transfer.ID] = stored
	return nil
}

func (r *transferStore) FindByID(ctx context.Context, id uuid.UUID) (*model.Transfer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	t, ok := r.s.transfers[id]
	if !ok {
		return nil, nil
	}
	return r.s.transferWithError(t), nil
}

func (r *transferStore) FindByExternalID(ctx context.Context, provider model.PaymentAccountProvider, externalID string) (*model.Transfer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, t := range r.s.transfers {
		if t.Provider == provider && t.ExternalID == externalID {
			return r.s.transferWithError(t), nil
		}
	}
	return nil, nil
}

func (r *transferStore) FindByStep(ctx context.Context, stepID uuid.UUID) ([]*model.Transfer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*model.Transfer
	for _, t := range r.s.transfers {
		if t.LoanPaymentStepID != nil && *t.LoanPaymentStepID == stepID {
			out = append(out, r.s.transferWithError(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (r *transferStore) FindPending(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Transfer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*model.Transfer
	for _, t := range r.s.transfers {
		if t.State == model.TransferStatePending && t.UpdatedAt.Before(updatedBefore) {
			out = append(out, r.s.transferWithError(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *transferStore) UpdateState(ctx context.Context, id uuid.UUID, prev, next model.TransferState) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.transfers[id]
	if !ok || t.State != prev {
		return false, nil
	}
	t.State = next
	r.s.stamp(nil, &t.UpdatedAt)
	r.s.transfers[id] = t
	return true, nil
}

func (r *transferStore) SetExternalID(ctx context.Context, id uuid.UUID, provider model.PaymentAccountProvider, externalID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.transfers[id]
	if !ok {
		return fmt.Errorf("set external id: transfer %s does not exist", id)
	}
	t.Provider = provider
	t.ExternalID = externalID
	r.s.stamp(nil, &t.UpdatedAt)
	r.s.transfers[id] = t
	return nil
}

func (r *transferStore) Fail(ctx context.Context, id uuid.UUID, transferErr *model.TransferError) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.transfers[id]
	if !ok || t.State == model.TransferStateCompleted {
		return false, nil
	}
	for _, e := range r.s.errors {
		if e.TransferID == id {
			return false, nil
		}
	}

	if transferErr.ID == uuid.Nil {
		transferErr.ID = uuid.New()
	}
	r.s.stamp(&transferErr.CreatedAt, nil)
	r.s.errors[transferErr.ID] = *transferErr

	t.State = model.TransferStateFailed
	r.s.stamp(nil, &t.UpdatedAt)
	r.s.transfers[id] = t
	return true, nil
}

// --- Routes ---

type routeStore struct{ s *Store }

func (r *routeStore) Create(ctx context.Context, route *model.PaymentsRoute) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if route.ID == uuid.Nil {
		route.ID = uuid.New()
	}
	for _, step := range route.Steps {
		if step.ID == uuid.Nil {
			step.ID = uuid.New()
		}
		step.RouteID = route.ID
	}
	r.s.stamp(&route.CreatedAt, &route.UpdatedAt)
	stored := *route
	stored.Steps = make([]*model.PaymentsRouteStep, 0, len(route.Steps))
	for _, step := range route.Steps {
		st := *step
		stored.Steps = append(stored.Steps, &st)
	}
	r.s.routes[route.ID] = stored
	return nil
}

func (r *routeStore) Find(ctx context.Context, search model.RouteSearch) (*model.PaymentsRoute, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, route := range r.s.routes {
		if route.FromAccount != search.FromAccount ||
			route.FromOwnership != search.FromOwnership ||
			route.FromProvider != search.FromProvider ||
			route.ToAccount != search.ToAccount ||
			route.ToOwnership != search.ToOwnership ||
			route.ToProvider != search.ToProvider {
			continue
		}
		if !containsString(route.LoanStagesSupported, string(search.LoanStage)) ||
			!containsString(route.LoanTypesSupported, string(search.LoanType)) {
			continue
		}

		found := route
		found.Steps = make([]*model.PaymentsRouteStep, 0, len(route.Steps))
		for _, step := range route.Steps {
			st := *step
			found.Steps = append(found.Steps, &st)
		}
		sort.Slice(found.Steps, func(i, j int) bool { return found.Steps[i].Order < found.Steps[j].Order })
		return &found, nil
	}
	return nil, nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// --- Billers ---

type billerStore struct{ s *Store }

func (r *billerStore) FindByID(ctx context.Context, id uuid.UUID) (*model.Biller, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	b, ok := r.s.billers[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r *billerStore) ChecksumIndex(ctx context.Context) (map[string]outbound.BillerChecksum, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	index := make(map[string]outbound.BillerChecksum, len(r.s.billers))
	for _, b := range r.s.billers {
		if b.ExternalBillerID == nil {
			continue
		}
		index[*b.ExternalBillerID] = outbound.BillerChecksum{ID: b.ID, CRC32: b.CRC32}
	}
	return index, nil
}

func (r *billerStore) UpsertBatch(ctx context.Context, billers []*model.Biller) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, b := range billers {
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}
		r.s.stamp(&b.CreatedAt, &b.UpdatedAt)
		r.s.billers[b.ID] = *b
	}
	return nil
}

// --- Webhooks ---

type webhookStore struct{ s *Store }

func (r *webhookStore) Create(ctx context.Context, event *model.WebhookEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, e := range r.s.webhooks {
		if e.Provider == event.Provider && e.EventID == event.EventID {
			return fmt.Errorf("create webhook event: duplicate %s/%s", event.Provider, event.EventID)
		}
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	r.s.stamp(&event.CreatedAt, nil)
	r.s.webhooks[event.ID] = *event
	return nil
}

func (r *webhookStore) Find(ctx context.Context, provider, eventID string) (*model.WebhookEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, e := range r.s.webhooks {
		if e.Provider == provider && e.EventID == eventID {
			event := e
			return &event, nil
		}
	}
	return nil, nil
}

func (r *webhookStore) MarkProcessed(ctx context.Context, id uuid.UUID, processErr error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.webhooks[id]
	if !ok {
		return fmt.Errorf("mark processed: webhook event %s does not exist", id)
	}
	now := r.s.now()
	e.Processed = true
	e.ProcessedAt = &now
	e.Error = nil
	if processErr != nil {
		msg := processErr.Error()
		e.Error = &msg
	}
	r.s.webhooks[id] = e
	return nil
}

// Compile-time checks
var (
	_ outbound.LoanDatabasePort           = (*loanStore)(nil)
	_ outbound.PaymentAccountDatabasePort = (*accountStore)(nil)
	_ outbound.LoanPaymentDatabasePort    = (*paymentStore)(nil)
	_ outbound.PaymentStepDatabasePort    = (*stepStore)(nil)
	_ outbound.TransferDatabasePort       = (*transferStore)(nil)
	_ outbound.PaymentsRouteDatabasePort  = (*routeStore)(nil)
	_ outbound.BillerDatabasePort         = (*billerStore)(nil)
	_ outbound.WebhookEventDatabasePort   = (*webhookStore)(nil)
)
