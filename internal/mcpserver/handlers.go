package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbd888/mpescrow/internal/channels"
	"github.com/mbd888/mpescrow/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// account resolves an optional address argument against the default.
func (h *Handlers) account(req mcp.CallToolRequest, arg string) (string, error) {
	addr := req.GetString(arg, h.client.DefaultAccount())
	if addr == "" {
		return "", fmt.Errorf("%s is required (no default account configured)", arg)
	}
	if !validation.IsValidEthAddress(addr) {
		return "", fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", arg)
	}
	return addr, nil
}

// HandleGetBalance returns an account's ledger balance.
func (h *Handlers) HandleGetBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, err := h.account(req, "account")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	bal, err := h.client.GetBalance(ctx, addr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get balance: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Ledger balance of %s: %s", bal.Account, bal.Balance)), nil
}

// HandleGetChannel returns one channel.
func (h *Handlers) HandleGetChannel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("channel_id", "")
	if id == "" {
		return mcp.NewToolResultError("channel_id is required"), nil
	}
	if !validation.IsValidChannelID(id) {
		return mcp.NewToolResultError("channel_id must be 0x followed by 64 hex characters"), nil
	}

	ch, err := h.client.GetChannel(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get channel: %v", err)), nil
	}

	return mcp.NewToolResultText(formatChannel(ch)), nil
}

// HandleListSenderChannels lists one page of a sender's channels.
func (h *Handlers) HandleListSenderChannels(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sender, err := h.account(req, "sender")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cursor := req.GetString("cursor", "")
	limit := req.GetInt("limit", 0)

	page, err := h.client.ListSenderChannels(ctx, sender, cursor, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list channels: %v", err)), nil
	}

	return mcp.NewToolResultText(formatChannelPage(sender, page)), nil
}

// HandleAuditStatus reports the latest conservation audit.
func (h *Handlers) HandleAuditStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.client.AuditStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get audit status: %v", err)), nil
	}

	return mcp.NewToolResultText(formatAudit(st)), nil
}

func formatChannel(ch *channels.View) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Channel %s (%s)\n", ch.ID, ch.Status)
	fmt.Fprintf(&sb, "  Sender:     %s\n", ch.Sender)
	fmt.Fprintf(&sb, "  Recipient:  %s\n", ch.Recipient)
	fmt.Fprintf(&sb, "  Value:      %s\n", ch.Value)
	fmt.Fprintf(&sb, "  Nonce:      %d\n", ch.Nonce)
	fmt.Fprintf(&sb, "  Expiration: %d (%s)\n", ch.Expiration, time.Unix(ch.Expiration, 0).UTC().Format(time.RFC3339))
	if ch.ReplicaID != "" {
		fmt.Fprintf(&sb, "  Replica:    %s\n", ch.ReplicaID)
	}
	if ch.CloseReason != "" {
		fmt.Fprintf(&sb, "  Closed by:  %s\n", ch.CloseReason)
	}
	return sb.String()
}

func formatChannelPage(sender string, page *ChannelPage) string {
	if len(page.Channels) == 0 {
		return fmt.Sprintf("No channels found for sender %s.", sender)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d channel(s) for sender %s:\n\n", len(page.Channels), sender)
	for i, ch := range page.Channels {
		fmt.Fprintf(&sb, "%d. %s [%s] to %s, value %s, nonce %d, expires %d\n",
			i+1, ch.ID, ch.Status, ch.Recipient, ch.Value, ch.Nonce, ch.Expiration)
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore channels available. next_cursor: %s\n", page.NextCursor)
	}
	return sb.String()
}

func formatAudit(st *AuditStatus) string {
	var sb strings.Builder
	switch {
	case st.Halted:
		fmt.Fprintf(&sb, "Ledger HALTED: %s\n", st.HaltReason)
	case st.Audit != nil && !st.Audit.OK:
		sb.WriteString("Ledger audit FAILED\n")
	default:
		sb.WriteString("Ledger audit OK\n")
	}
	if a := st.Audit; a != nil {
		fmt.Fprintf(&sb, "  Custody:       %s\n", a.Custody)
		fmt.Fprintf(&sb, "  Balances:      %s\n", a.Balances)
		fmt.Fprintf(&sb, "  Locked:        %s\n", a.Locked)
		fmt.Fprintf(&sb, "  Difference:    %s\n", a.Diff)
		fmt.Fprintf(&sb, "  Accounts:      %d\n", a.Accounts)
		fmt.Fprintf(&sb, "  Open channels: %d\n", a.OpenChannels)
		fmt.Fprintf(&sb, "  Checked at:    %s\n", a.CheckedAt.UTC().Format(time.RFC3339))
	}
	return sb.String()
}
