package relay

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for claim relays.
type Handler struct {
	coord *Coordinator
}

// NewHandler creates a new relay handler.
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// RegisterRoutes sets up relay routes. claimMiddleware runs before Claim
// only, e.g. a rate limiter.
func (h *Handler) RegisterRoutes(r gin.IRoutes, claimMiddleware ...gin.HandlerFunc) {
	r.POST("/relay", append(claimMiddleware, h.Claim)...)
	r.GET("/relay/snapshot", h.Snapshot)
}

// ClaimRequest is the body of POST /relay.
type ClaimRequest struct {
	Kind       Kind   `json:"kind"`
	ContractID string `json:"contractId"`
	Preimage   string `json:"preimage"`
}

// Claim handles POST /relay and POST /v1/relay
func (h *Handler) Claim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Kind != "" && req.Kind != KindRequest {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_kind",
			"message": "kind must be relay_request",
		})
		return
	}

	// Once a withdrawal is broadcast its outcome is recorded even if the
	// client goes away; the confirmation timeout still bounds the call.
	ctx := context.WithoutCancel(c.Request.Context())
	res := h.coord.Relay(ctx, req.ContractID, req.Preimage)

	c.JSON(statusCode(res.Outcome), res)
}

// Snapshot handles GET /v1/relay/snapshot
func (h *Handler) Snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.Snapshot())
}

func statusCode(o Outcome) int {
	switch o {
	case OutcomeSuccess:
		return http.StatusOK
	case OutcomeValidationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
