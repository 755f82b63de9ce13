package status

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/htlcrelay/internal/logging"
	"github.com/mbd888/htlcrelay/internal/pagination"
	"github.com/mbd888/htlcrelay/internal/validation"
)

// Handler serves account history.
type Handler struct {
	service *Service
}

// NewHandler creates a history handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up history routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/accounts/:address", validation.AddressParamMiddleware())
	g.GET("/transactions", h.ListTransactions)
}

// ListTransactions handles GET /v1/accounts/:address/transactions
//
// Query: reclaimable=true, limit (default 50), cursor from a previous page.
func (h *Handler) ListTransactions(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))

	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": err.Error()})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	txs, err := h.service.Transactions(c.Request.Context(), address)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to derive transactions", "address", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_failed",
			"message": "Failed to load transactions",
		})
		return
	}

	if c.Query("reclaimable") == "true" {
		txs = Reclaimable(txs)
	}

	page, next := pagination.Page(txs, limit, cursor, txKey)

	resp := gin.H{
		"address":      address,
		"transactions": page,
		"count":        len(page),
		"total":        len(txs),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func txKey(tx *Transaction) (time.Time, string) {
	return tx.CreatedAt, tx.ContractID
}
