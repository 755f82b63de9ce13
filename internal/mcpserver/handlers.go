package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *RelayClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *RelayClient) *Handlers {
	return &Handlers{client: client}
}

// HandleRelayClaim relays a preimage and reports the settlement.
func (h *Handlers) HandleRelayClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contractID := strings.TrimSpace(req.GetString("contract_id", ""))
	if contractID == "" {
		return mcp.NewToolResultError("contract_id is required"), nil
	}
	preimage := strings.TrimSpace(req.GetString("preimage", ""))
	if preimage == "" {
		return mcp.NewToolResultError("preimage is required"), nil
	}

	raw, err := h.client.Relay(ctx, contractID, preimage)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Relay failed: %v", err)), nil
	}

	var res struct {
		Status     string `json:"status"`
		ContractID string `json:"contractId"`
		TxHash     string `json:"txHash"`
		Preimage   string `json:"preimage"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse relay response: %v", err)), nil
	}
	if res.Status != "success" {
		return mcp.NewToolResultError(fmt.Sprintf("Relay failed: %s", res.Message)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Contract %s settled.\n"+
			"Withdrawal tx: %s\n"+
			"Preimage: %s",
		res.ContractID, res.TxHash, res.Preimage)), nil
}

// HandleGetTransactions lists an account's derived history.
func (h *Handlers) HandleGetTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	account := strings.TrimSpace(req.GetString("account", ""))
	reclaimable := req.GetBool("reclaimable_only", false)

	raw, err := h.client.Transactions(ctx, account, reclaimable)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transactions: %v", err)), nil
	}

	text, err := formatTransactions(raw, reclaimable)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRelaySnapshot shows in-flight and recent relay activity.
func (h *Handlers) HandleRelaySnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get snapshot: %v", err)), nil
	}

	text, err := formatSnapshot(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse snapshot: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRelayStatus combines the dashboard server status with indexer
// progress.
func (h *Handlers) HandleRelayStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	view, err := h.client.Dashboard(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}

	var sb strings.Builder
	if err := formatServerStatus(&sb, view); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse status: %v", err)), nil
	}

	// Info is best effort; older relays may not serve it.
	if info, err := h.client.Info(ctx); err == nil {
		formatIndexer(&sb, info)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatTransactions(raw json.RawMessage, reclaimable bool) (string, error) {
	var resp struct {
		Address      string           `json:"address"`
		Transactions []map[string]any `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Transactions) == 0 {
		if reclaimable {
			return fmt.Sprintf("No reclaimable contracts for %s.", resp.Address), nil
		}
		return fmt.Sprintf("No transactions for %s.", resp.Address), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d transaction(s) for %s:\n\n", len(resp.Transactions), resp.Address)
	for i, tx := range resp.Transactions {
		dir := getString(tx, "direction")
		peer := "to"
		if dir == "RECEIVED" {
			peer = "from"
		}
		fmt.Fprintf(&sb, "%d. %s %s %s sats %s %s\n", i+1,
			getString(tx, "status"), dir, getString(tx, "amountSats"), peer, getString(tx, "counterparty"))
		fmt.Fprintf(&sb, "   Contract: %s\n", getString(tx, "contractId"))
		if v := getString(tx, "withdrawTxHash"); v != "" {
			fmt.Fprintf(&sb, "   Withdrawn in: %s\n", v)
		}
		if v := getString(tx, "refundTxHash"); v != "" {
			fmt.Fprintf(&sb, "   Refunded in: %s\n", v)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatSnapshot(raw json.RawMessage) (string, error) {
	var snap struct {
		Pending         []map[string]any `json:"pending"`
		RecentResponses []map[string]any `json:"recentResponses"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", err
	}

	var sb strings.Builder
	if len(snap.Pending) == 0 {
		sb.WriteString("No settlements in flight.\n")
	} else {
		fmt.Fprintf(&sb, "In flight (%d):\n", len(snap.Pending))
		for _, p := range snap.Pending {
			fmt.Fprintf(&sb, "  %s since %s\n", getString(p, "contractId"), getString(p, "since"))
		}
	}

	if len(snap.RecentResponses) == 0 {
		sb.WriteString("\nNo recent relays.")
		return sb.String(), nil
	}
	fmt.Fprintf(&sb, "\nRecent relays (newest first):\n")
	for _, r := range snap.RecentResponses {
		line := fmt.Sprintf("  %s %s", getString(r, "code"), getString(r, "contractId"))
		if v := getString(r, "txHash"); v != "" {
			line += " tx " + v
		}
		if v := getString(r, "message"); v != "" {
			line += ": " + v
		}
		sb.WriteString(line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatServerStatus(sb *strings.Builder, raw json.RawMessage) error {
	var view struct {
		Server  map[string]any `json:"server"`
		Pending []any          `json:"pending"`
		Dropped float64        `json:"dropped"`
	}
	if err := json.Unmarshal(raw, &view); err != nil {
		return err
	}
	if view.Server == nil {
		return fmt.Errorf("no server status in response")
	}

	sb.WriteString("Relay status:\n")
	fmt.Fprintf(sb, "  Relayer: %s\n", getString(view.Server, "address"))
	fmt.Fprintf(sb, "  Chain ID: %s\n", getString(view.Server, "chainId"))
	if errText := getString(view.Server, "error"); errText != "" {
		fmt.Fprintf(sb, "  Balance: unavailable (%s)\n", errText)
	} else {
		fmt.Fprintf(sb, "  Balance: %s ETH\n", getString(view.Server, "balance"))
	}
	fmt.Fprintf(sb, "  RPC: %s\n", getString(view.Server, "rpcUrl"))
	fmt.Fprintf(sb, "  In flight: %d\n", len(view.Pending))
	if view.Dropped > 0 {
		fmt.Fprintf(sb, "  Dashboard events dropped: %.0f\n", view.Dropped)
	}
	return nil
}

func formatIndexer(sb *strings.Builder, raw json.RawMessage) {
	var info struct {
		IndexerEnabled bool           `json:"indexerEnabled"`
		Indexer        map[string]any `json:"indexer"`
	}
	if json.Unmarshal(raw, &info) != nil {
		return
	}
	if !info.IndexerEnabled || info.Indexer == nil {
		sb.WriteString("  Indexer: disabled\n")
		return
	}
	fmt.Fprintf(sb, "  Indexer: next block %s, head %s, breaker %s\n",
		getString(info.Indexer, "nextBlock"), getString(info.Indexer, "head"), getString(info.Indexer, "breaker"))
	if v := getString(info.Indexer, "lastError"); v != "" {
		fmt.Fprintf(sb, "  Indexer error: %s\n", v)
	}
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%.0f", f)
			}
		}
	}
	return ""
}
