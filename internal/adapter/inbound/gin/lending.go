package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loanpay/server/internal/domain/management"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/inbound"
)

// lendingAdapter implements inbound.LendingHttpPort.
type lendingAdapter struct {
	management management.Service
	payments   payment.PaymentDomain
}

// NewLendingAdapter creates a new lending HTTP adapter.
func NewLendingAdapter(svc management.Service, payments payment.PaymentDomain) inbound.LendingHttpPort {
	return &lendingAdapter{management: svc, payments: payments}
}

// RegisterLendingRoutes registers loan, payment and step routes.
func RegisterLendingRoutes(r *gin.RouterGroup, adapter inbound.LendingHttpPort, mutating ...gin.HandlerFunc) {
	loans := r.Group("/loans")
	{
		loans.GET("/:id", adapter.GetLoan)
		loans.PUT("/:id/state", chain(mutating, adapter.ChangeLoanState)...)
		loans.POST("/:id/step", chain(mutating, adapter.StepLoanState)...)
		loans.POST("/:id/payments/:type", chain(mutating, adapter.InitiatePayment)...)
	}

	payments := r.Group("/payments")
	{
		payments.GET("/:id", adapter.GetPayment)
		payments.POST("/:id/advance", adapter.AdvancePayment)
	}

	steps := r.Group("/steps")
	{
		steps.POST("/:id/advance", adapter.AdvanceStep)
		steps.POST("/:id/retry", chain(mutating, adapter.RetryStep)...)
	}
}

// GetLoan returns a loan with its payments.
//
//	@Summary		Get loan
//	@Description	Returns a loan with its payments and their steps
//	@Tags			Loans
//	@Produce		json
//	@Param			id	path		string	true	"Loan ID"	format(uuid)
//	@Success		200	{object}	model.Loan
//	@Failure		400	{object}	model.ErrorResponse	"Invalid ID"
//	@Failure		404	{object}	model.ErrorResponse	"Loan not found"
//	@Router			/loans/{id} [get]
func (a *lendingAdapter) GetLoan(c *gin.Context) {
	id, ok := pathID(c, "loan")
	if !ok {
		return
	}

	loan, err := a.payments.GetLoan(c.Request.Context(), id, model.LoanRelationPayments)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, loan)
}

// ChangeLoanState moves a loan to a new state.
//
//	@Summary		Change loan state
//	@Description	Moves the loan to the requested state. Entering funding, disbursing or repaying starts the matching payment.
//	@Tags			Loans
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string							true	"Loan ID"	format(uuid)
//	@Param			request	body		model.ChangeLoanStateRequest	true	"Target state"
//	@Param			Idempotency-Key	header	string	false	"Replays the first response for the same key"
//	@Success		200		{object}	model.Loan
//	@Failure		400		{object}	model.ErrorResponse	"Invalid input"
//	@Failure		404		{object}	model.ErrorResponse	"Loan not found"
//	@Failure		409		{object}	model.ErrorResponse	"Loan changed concurrently"
//	@Router			/loans/{id}/state [put]
func (a *lendingAdapter) ChangeLoanState(c *gin.Context) {
	id, ok := pathID(c, "loan")
	if !ok {
		return
	}
	var req model.ChangeLoanStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_input", err.Error())
		return
	}

	loan, err := a.management.ChangeLoanState(c.Request.Context(), id, req.State)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, loan)
}

// StepLoanState re-announces the loan's current state.
//
//	@Summary		Step loan state
//	@Description	Re-announces the current state; a repaying loan starts its next installment
//	@Tags			Loans
//	@Produce		json
//	@Param			id	path		string	true	"Loan ID"	format(uuid)
//	@Success		200	{object}	model.Loan
//	@Failure		404	{object}	model.ErrorResponse	"Loan not found"
//	@Router			/loans/{id}/step [post]
func (a *lendingAdapter) StepLoanState(c *gin.Context) {
	id, ok := pathID(c, "loan")
	if !ok {
		return
	}

	loan, err := a.management.StepLoanState(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, loan)
}

// InitiatePayment creates and starts the loan's next payment of a type.
//
//	@Summary		Initiate payment
//	@Description	Creates the loan's next payment of the type and starts its first step. Answers 200 with no payment when none is due.
//	@Tags			Payments
//	@Produce		json
//	@Param			id		path		string	true	"Loan ID"	format(uuid)
//	@Param			type	path		string	true	"Payment type"	Enums(funding, disbursement, fee, repayment, refund)
//	@Success		201		{object}	model.InitiatePaymentResponse
//	@Success		200		{object}	model.InitiatePaymentResponse	"No payment due"
//	@Failure		400		{object}	model.ErrorResponse				"Unsupported payment type"
//	@Failure		409		{object}	model.ErrorResponse				"Advance in progress"
//	@Failure		422		{object}	model.ErrorResponse				"No route or account for the loan"
//	@Router			/loans/{id}/payments/{type} [post]
func (a *lendingAdapter) InitiatePayment(c *gin.Context) {
	id, ok := pathID(c, "loan")
	if !ok {
		return
	}
	paymentType := model.LoanPaymentType(c.Param("type"))
	if !paymentType.IsValid() {
		badRequest(c, "unsupported_payment_type", "unknown payment type "+string(paymentType))
		return
	}

	p, err := a.management.InitiateLoanPayment(c.Request.Context(), id, paymentType)
	if err != nil {
		handleError(c, err)
		return
	}

	// A nil payment means the loan needs none of this type right now.
	status := http.StatusCreated
	if p == nil {
		status = http.StatusOK
	}
	c.JSON(status, model.InitiatePaymentResponse{Payment: p})
}

// GetPayment returns a payment with its steps.
//
//	@Summary		Get payment
//	@Tags			Payments
//	@Produce		json
//	@Param			id	path		string	true	"Payment ID"	format(uuid)
//	@Success		200	{object}	model.LoanPayment
//	@Failure		404	{object}	model.ErrorResponse	"Payment not found"
//	@Router			/payments/{id} [get]
func (a *lendingAdapter) GetPayment(c *gin.Context) {
	id, ok := pathID(c, "payment")
	if !ok {
		return
	}

	p, err := a.payments.GetLoanPayment(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, p)
}

// AdvancePayment reconciles a payment with its steps.
//
//	@Summary		Advance payment
//	@Description	Reconciles the payment with its steps: completes, fails or starts the next step
//	@Tags			Payments
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string						true	"Payment ID"	format(uuid)
//	@Param			request	body		model.AdvancePaymentRequest	false	"Payment type hint"
//	@Success		200		{object}	model.AdvanceResponse
//	@Failure		404		{object}	model.ErrorResponse	"Payment not found"
//	@Failure		409		{object}	model.ErrorResponse	"Advance in progress"
//	@Router			/payments/{id}/advance [post]
func (a *lendingAdapter) AdvancePayment(c *gin.Context) {
	id, ok := pathID(c, "payment")
	if !ok {
		return
	}
	var req model.AdvancePaymentRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	changed, err := a.management.AdvancePayment(c.Request.Context(), id, req.Type)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.AdvanceResponse{Changed: changed})
}

// AdvanceStep reconciles a step with its latest transfer.
//
//	@Summary		Advance step
//	@Description	Reconciles the step with its latest transfer
//	@Tags			Steps
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string						true	"Step ID"	format(uuid)
//	@Param			request	body		model.AdvanceStepRequest	false	"Expected step state"
//	@Success		200		{object}	model.AdvanceResponse
//	@Failure		404		{object}	model.ErrorResponse	"Step not found"
//	@Failure		409		{object}	model.ErrorResponse	"Step out of sync or advance in progress"
//	@Router			/steps/{id}/advance [post]
func (a *lendingAdapter) AdvanceStep(c *gin.Context) {
	id, ok := pathID(c, "step")
	if !ok {
		return
	}
	var req model.AdvanceStepRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	changed, err := a.management.AdvanceStep(c.Request.Context(), id, req.State)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.AdvanceResponse{Changed: changed})
}

// RetryStep opens a new transfer on a failed step.
//
//	@Summary		Retry step
//	@Description	Adds a transfer to a failed step whose latest transfer failed, and restarts the step
//	@Tags			Steps
//	@Produce		json
//	@Param			id	path		string	true	"Step ID"	format(uuid)
//	@Param			Idempotency-Key	header	string	false	"Replays the first response for the same key"
//	@Success		201	{object}	model.Transfer
//	@Failure		404	{object}	model.ErrorResponse	"Step not found"
//	@Failure		409	{object}	model.ErrorResponse	"Step not retryable"
//	@Router			/steps/{id}/retry [post]
func (a *lendingAdapter) RetryStep(c *gin.Context) {
	id, ok := pathID(c, "step")
	if !ok {
		return
	}

	t, err := a.management.RetryPaymentStep(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, t)
}
