package gin

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loanpay/server/internal/domain/management"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/inbound"
)

const maxWebhookBody = 1 << 20

// WebhookRecorder observes webhook outcomes.
type WebhookRecorder interface {
	RecordWebhook(provider model.PaymentAccountProvider, outcome string)
}

// transferAdapter implements inbound.TransferHttpPort.
type transferAdapter struct {
	management management.Service
	payments   payment.PaymentDomain
	recorder   WebhookRecorder
}

// NewTransferAdapter creates a new transfer HTTP adapter. recorder may be nil.
func NewTransferAdapter(svc management.Service, payments payment.PaymentDomain, recorder WebhookRecorder) inbound.TransferHttpPort {
	return &transferAdapter{management: svc, payments: payments, recorder: recorder}
}

// RegisterTransferRoutes registers transfer routes.
func RegisterTransferRoutes(r *gin.RouterGroup, adapter inbound.TransferHttpPort) {
	transfers := r.Group("/transfers")
	{
		transfers.GET("/:id", adapter.GetTransfer)
		transfers.POST("/:id/updates", adapter.ApplyTransferUpdate)
		transfers.POST("/:id/poll", adapter.PollTransfer)
	}
}

// RegisterWebhookRoutes registers the provider webhook route.
func RegisterWebhookRoutes(r *gin.RouterGroup, adapter inbound.TransferHttpPort, middleware ...gin.HandlerFunc) {
	r.POST("/webhooks/:provider", chain(middleware, adapter.HandleWebhook)...)
}

// GetTransfer returns a transfer with its error record.
//
//	@Summary		Get transfer
//	@Tags			Transfers
//	@Produce		json
//	@Param			id	path		string	true	"Transfer ID"	format(uuid)
//	@Success		200	{object}	model.Transfer
//	@Failure		404	{object}	model.ErrorResponse	"Transfer not found"
//	@Router			/transfers/{id} [get]
func (a *transferAdapter) GetTransfer(c *gin.Context) {
	id, ok := pathID(c, "transfer")
	if !ok {
		return
	}

	t, err := a.payments.GetTransfer(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, t)
}

// ApplyTransferUpdate applies a raw provider update to a transfer.
//
//	@Summary		Apply transfer update
//	@Description	Applies a provider status payload to a known transfer
//	@Tags			Transfers
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string						true	"Transfer ID"	format(uuid)
//	@Param			request	body		model.TransferUpdateRequest	true	"Provider payload"
//	@Success		200		{object}	model.AdvanceResponse
//	@Failure		400		{object}	model.ErrorResponse	"Invalid input"
//	@Failure		404		{object}	model.ErrorResponse	"Transfer not found"
//	@Router			/transfers/{id}/updates [post]
func (a *transferAdapter) ApplyTransferUpdate(c *gin.Context) {
	id, ok := pathID(c, "transfer")
	if !ok {
		return
	}
	var req model.TransferUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_input", err.Error())
		return
	}

	changed, err := a.management.ProcessTransferUpdate(c.Request.Context(), id, req.Payload, req.Provider)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.AdvanceResponse{Changed: changed})
}

// PollTransfer fetches and applies the provider status of a transfer.
//
//	@Summary		Poll transfer
//	@Tags			Transfers
//	@Produce		json
//	@Param			id	path		string	true	"Transfer ID"	format(uuid)
//	@Success		200	{object}	model.AdvanceResponse
//	@Failure		404	{object}	model.ErrorResponse	"Transfer not found"
//	@Failure		502	{object}	model.ErrorResponse	"Provider request failed"
//	@Router			/transfers/{id}/poll [post]
func (a *transferAdapter) PollTransfer(c *gin.Context) {
	id, ok := pathID(c, "transfer")
	if !ok {
		return
	}

	changed, err := a.management.PollTransfer(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.AdvanceResponse{Changed: changed})
}

// HandleWebhook verifies and applies a provider webhook.
//
//	@Summary		Provider webhook
//	@Description	Verifies, records and applies a provider event once per event ID. A failed delivery can be retried.
//	@Tags			Webhooks
//	@Accept			json
//	@Produce		json
//	@Param			provider	path		string	true	"Provider"	Enums(mock, stripe, checkbook, tabapay, fiserv)
//	@Success		200			{object}	management.WebhookResult
//	@Failure		401			{object}	model.ErrorResponse	"Invalid signature"
//	@Failure		404			{object}	model.ErrorResponse	"Unknown provider or transfer"
//	@Failure		409			{object}	model.ErrorResponse	"Delivery in progress"
//	@Failure		413			{object}	model.ErrorResponse	"Payload too large"
//	@Failure		429			{object}	model.ErrorResponse	"Rate limit exceeded"
//	@Router			/webhooks/{provider} [post]
func (a *transferAdapter) HandleWebhook(c *gin.Context) {
	provider := model.PaymentAccountProvider(c.Param("provider"))
	if !provider.IsValid() {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Code:    "unknown_provider",
			Message: "unknown provider " + string(provider),
		})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, model.ErrorResponse{
				Code:    "payload_too_large",
				Message: "webhook payload too large",
			})
			return
		}
		badRequest(c, "invalid_input", "unreadable webhook payload")
		return
	}

	result, err := a.management.ProcessWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		a.record(provider, "error")
		handleError(c, err)
		return
	}

	a.record(provider, webhookOutcome(result))
	c.JSON(http.StatusOK, result)
}

func (a *transferAdapter) record(provider model.PaymentAccountProvider, outcome string) {
	if a.recorder != nil {
		a.recorder.RecordWebhook(provider, outcome)
	}
}

func webhookOutcome(r *management.WebhookResult) string {
	switch {
	case r.Duplicate:
		return "duplicate"
	case r.Ignored:
		return "ignored"
	case r.Changed:
		return "applied"
	default:
		return "unchanged"
	}
}
