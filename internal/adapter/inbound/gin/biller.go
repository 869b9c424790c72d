package gin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/inbound"
	"github.com/loanpay/server/internal/port/outbound"
)

// BillerImporter runs a catalogue import.
type BillerImporter interface {
	Import(ctx context.Context, name string) (*model.BillerImportResult, error)
}

// billerAdapter implements inbound.BillerHttpPort.
type billerAdapter struct {
	importer BillerImporter
	billers  outbound.BillerDatabasePort
}

// NewBillerAdapter creates a new biller HTTP adapter.
func NewBillerAdapter(importer BillerImporter, billers outbound.BillerDatabasePort) inbound.BillerHttpPort {
	return &billerAdapter{importer: importer, billers: billers}
}

// RegisterBillerRoutes registers biller catalogue routes.
func RegisterBillerRoutes(r *gin.RouterGroup, adapter inbound.BillerHttpPort) {
	billers := r.Group("/billers")
	{
		billers.GET("/:id", adapter.GetBiller)
		billers.POST("/import", adapter.ImportBillers)
	}
}

// GetBiller returns a catalogue biller.
//
//	@Summary		Get biller
//	@Tags			Billers
//	@Produce		json
//	@Param			id	path		string	true	"Biller ID"	format(uuid)
//	@Success		200	{object}	model.Biller
//	@Failure		404	{object}	model.ErrorResponse	"Biller not found"
//	@Router			/billers/{id} [get]
func (a *billerAdapter) GetBiller(c *gin.Context) {
	id, ok := pathID(c, "biller")
	if !ok {
		return
	}

	b, err := a.billers.FindByID(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}
	if b == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Code:    "biller_not_found",
			Message: "biller not found",
		})
		return
	}

	c.JSON(http.StatusOK, b)
}

// ImportBillers imports a biller catalogue file.
//
//	@Summary		Import billers
//	@Description	Imports a biller catalogue file from storage, skipping unchanged billers
//	@Tags			Billers
//	@Accept			json
//	@Produce		json
//	@Param			request	body		model.ImportBillersRequest	true	"Catalogue file"
//	@Success		200		{object}	model.BillerImportResult
//	@Failure		400		{object}	model.ErrorResponse	"Invalid input"
//	@Failure		404		{object}	model.ErrorResponse	"File not found"
//	@Router			/billers/import [post]
func (a *billerAdapter) ImportBillers(c *gin.Context) {
	var req model.ImportBillersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_input", err.Error())
		return
	}

	result, err := a.importer.Import(c.Request.Context(), req.Name)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
