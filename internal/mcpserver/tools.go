package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the model reads to decide which
// tool to use.

var ToolGetBalance = mcp.NewTool("get_balance",
	mcp.WithDescription(
		"Get the escrow ledger balance of an account: funds deposited and not locked in any channel. "+
			"Amounts are integer token base units."),
	mcp.WithString("account",
		mcp.Description("Account address (e.g. '0x1234...'). Defaults to the configured account.")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var ToolGetChannel = mcp.NewTool("get_channel",
	mcp.WithDescription(
		"Get a payment channel: sender, recipient, locked value, expiration (unix seconds), "+
			"nonce and whether it is open or closed."),
	mcp.WithString("channel_id",
		mcp.Required(),
		mcp.Description("Channel id, 0x followed by 64 hex characters")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var ToolListSenderChannels = mcp.NewTool("list_sender_channels",
	mcp.WithDescription(
		"List the channels an account has opened as sender, oldest first, including closed ones. "+
			"Pass next_cursor from a previous result to continue."),
	mcp.WithString("sender",
		mcp.Description("Sender address. Defaults to the configured account.")),
	mcp.WithString("cursor",
		mcp.Description("Cursor returned by a previous call")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of channels to return (default 50, max 200)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var ToolAuditStatus = mcp.NewTool("audit_status",
	mcp.WithDescription(
		"Show the latest conservation audit: tokens held in custody against the sum of balances "+
			"and channel values, and whether the ledger has halted mutations."),
	mcp.WithReadOnlyHintAnnotation(true),
)
