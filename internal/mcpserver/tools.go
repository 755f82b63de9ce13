package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the relay MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolRelayClaim = mcp.NewTool("relay_claim",
	mcp.WithDescription(
		"Claim an HTLC on the EVM chain by relaying its preimage. "+
			"The relay checks that sha256(preimage) matches the contract's hashlock, "+
			"submits the withdrawal, and waits for confirmation. "+
			"Use this once a Lightning payment has revealed the preimage."),
	mcp.WithString("contract_id",
		mcp.Required(),
		mcp.Description("The 32-byte HTLC contract id as 0x-prefixed hex")),
	mcp.WithString("preimage",
		mcp.Required(),
		mcp.Description("The 32-byte preimage as hex, with or without 0x")),
)

var ToolGetTransactions = mcp.NewTool("get_transactions",
	mcp.WithDescription(
		"List an account's HTLC history with derived status "+
			"(PENDING, COMPLETED, REFUNDED, EXPIRED), direction, counterparty, and amount. "+
			"Set reclaimable_only to find expired contracts the sender can refund."),
	mcp.WithString("account",
		mcp.Description("Account address (e.g. '0x1234...'). Defaults to the configured account.")),
	mcp.WithBoolean("reclaimable_only",
		mcp.Description("Only return sent contracts that expired and can be refunded")),
)

var ToolRelaySnapshot = mcp.NewTool("relay_snapshot",
	mcp.WithDescription(
		"Show the relay's in-flight settlements and its most recent requests and responses."),
)

var ToolRelayStatus = mcp.NewTool("relay_status",
	mcp.WithDescription(
		"Show the relayer's address, native balance, chain id, and indexer progress."),
)
