package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T, ledger *spyLedger) (*gin.Engine, *Coordinator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	c := newCoordinator(t, ledger)
	h := NewHandler(c)

	r := gin.New()
	r.POST("/relay", h.Claim)
	h.RegisterRoutes(r.Group("/v1"))
	return r, c
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func claimBody(contractID, preimage string) string {
	b, _ := json.Marshal(ClaimRequest{Kind: KindRequest, ContractID: contractID, Preimage: preimage})
	return string(b)
}

func TestHandler_ClaimSuccess(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	r, _ := setupRouter(t, ledger)

	for _, path := range []string{"/relay", "/v1/relay"} {
		w := postJSON(r, path, claimBody(contractA.Hex(), secretHex))
		if path == "/relay" {
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var res Result
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			assert.Equal(t, KindResponse, res.Kind)
			assert.Equal(t, "success", res.Status)
			assert.NotEmpty(t, res.TxHash)
			assert.Equal(t, strings.ToLower(contractA.Hex()), res.ContractID)
			continue
		}
		// Second submission hits the settled record.
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), ReasonAlreadySettled)
	}
}

func TestHandler_ClaimValidationFailure(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	r, _ := setupRouter(t, ledger)

	w := postJSON(r, "/v1/relay", claimBody(contractA.Hex(), strings.Repeat("ee", 32)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "validation_failed", body["code"])
	assert.Equal(t, ReasonMismatch, body["message"])
}

func TestHandler_ClaimSettlementFailure(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	ledger.withdrawErr = errors.New("nonce too low")
	r, _ := setupRouter(t, ledger)

	w := postJSON(r, "/v1/relay", claimBody(contractA.Hex(), secretHex))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "settlement_failed")
}

func TestHandler_ClaimBadBodies(t *testing.T) {
	r, c := setupRouter(t, newSpyLedger())

	w := postJSON(r, "/v1/relay", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")

	w = postJSON(r, "/v1/relay", `{"kind":"relay_response","contractId":"0x01","preimage":"00"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_kind")

	assert.Empty(t, c.RecentRequests(), "rejected bodies never reach the coordinator")
}

func TestHandler_KindIsOptional(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	r, _ := setupRouter(t, ledger)

	body := `{"contractId":"` + contractA.Hex() + `","preimage":"` + secretHex + `"}`
	w := postJSON(r, "/relay", body)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Snapshot(t *testing.T) {
	ledger := newSpyLedger()
	ledger.add(contractA, mustPreimage(t, secretHex))
	r, _ := setupRouter(t, ledger)

	postJSON(r, "/v1/relay", claimBody(contractA.Hex(), secretHex))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/relay/snapshot", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var snap struct {
		Pending         []Pending                 `json:"pending"`
		RecentRequests  []Request                 `json:"recentRequests"`
		RecentResponses []Result                  `json:"recentResponses"`
		Contracts       map[string]map[string]any `json:"contracts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Empty(t, snap.Pending)
	assert.Len(t, snap.RecentRequests, 1)
	assert.Len(t, snap.RecentResponses, 1)

	rec, ok := snap.Contracts[strings.ToLower(contractA.Hex())]
	require.True(t, ok)
	assert.Equal(t, true, rec["withdrawn"])
	assert.NotContains(t, rec, "preimage")
}
