package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/htlcrelay/internal/validation"
)

// Handler serves the dashboard display state.
type Handler struct {
	sink *Sink
}

// NewHandler creates a dashboard handler.
func NewHandler(sink *Sink) *Handler {
	return &Handler{sink: sink}
}

// RegisterRoutes sets up dashboard routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dashboard", h.GetView)
	r.POST("/dashboard/refresh", h.Refresh)
	r.POST("/dashboard/filter", h.SetFilter)
	r.DELETE("/dashboard/filter", h.ClearFilter)
}

// GetView handles GET /v1/dashboard
func (h *Handler) GetView(c *gin.Context) {
	c.JSON(http.StatusOK, h.sink.View())
}

// Refresh handles POST /v1/dashboard/refresh
func (h *Handler) Refresh(c *gin.Context) {
	h.sink.Refresh(c.Request.Context())
	c.JSON(http.StatusOK, h.sink.View())
}

type filterRequest struct {
	ContractID string `json:"contractId"`
}

// SetFilter handles POST /v1/dashboard/filter
func (h *Handler) SetFilter(c *gin.Context) {
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("contractId", req.ContractID),
		validation.ValidHex("contractId", req.ContractID),
		validation.MaxLength("contractId", req.ContractID, 130),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	h.sink.Filter(req.ContractID)
	c.JSON(http.StatusOK, h.sink.View())
}

// ClearFilter handles DELETE /v1/dashboard/filter
func (h *Handler) ClearFilter(c *gin.Context) {
	h.sink.ClearFilter()
	c.JSON(http.StatusOK, h.sink.View())
}
