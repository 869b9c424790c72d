package gin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loanpay/server/internal/domain/biller"
	"github.com/loanpay/server/internal/domain/loanpayment"
	"github.com/loanpay/server/internal/domain/management"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/domain/paymentstep"
	"github.com/loanpay/server/internal/domain/transfer"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/shared/logger"
	"go.uber.org/zap"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{payment.ErrLoanNotFound, http.StatusNotFound, "loan_not_found"},
	{payment.ErrPaymentNotFound, http.StatusNotFound, "payment_not_found"},
	{payment.ErrStepNotFound, http.StatusNotFound, "step_not_found"},
	{payment.ErrTransferNotFound, http.StatusNotFound, "transfer_not_found"},
	{payment.ErrAccountNotFound, http.StatusUnprocessableEntity, "account_not_found"},
	{payment.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},

	{loanpayment.ErrUnsupportedPaymentType, http.StatusBadRequest, "unsupported_payment_type"},
	{loanpayment.ErrRouteNotFound, http.StatusUnprocessableEntity, "route_not_found"},
	{loanpayment.ErrPaymentCalculation, http.StatusUnprocessableEntity, "payment_calculation_failed"},

	{paymentstep.ErrUnsupportedStepState, http.StatusBadRequest, "unsupported_step_state"},
	{paymentstep.ErrStepStateOutOfSync, http.StatusConflict, "step_out_of_sync"},
	{paymentstep.ErrStepNotRetryable, http.StatusConflict, "step_not_retryable"},

	{transfer.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{transfer.ErrProviderNotRegistered, http.StatusNotFound, "provider_not_registered"},
	{transfer.ErrUnknownTransfer, http.StatusNotFound, "unknown_transfer"},
	{transfer.ErrProviderRequest, http.StatusBadGateway, "provider_request_failed"},

	{management.ErrAdvanceInProgress, http.StatusConflict, "advance_in_progress"},
	{management.ErrInvalidLoanState, http.StatusConflict, "invalid_loan_state"},

	{biller.ErrSourceNotFound, http.StatusNotFound, "biller_file_not_found"},
}

// handleError maps domain errors to HTTP responses.
func handleError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			c.JSON(m.status, model.ErrorResponse{
				Code:    m.code,
				Message: err.Error(),
			})
			return
		}
	}

	logger.FromContext(c.Request.Context()).Error("request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, model.ErrorResponse{
		Code:    "internal_error",
		Message: "Internal server error",
	})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, model.ErrorResponse{
		Code:    code,
		Message: message,
	})
}
