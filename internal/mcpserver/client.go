package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/mpescrow/internal/audit"
	"github.com/mbd888/mpescrow/internal/channels"
)

// Config holds the configuration for reaching the ledger API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Account string // default account for balance and channel listing tools
}

// Client is a read-only HTTP client for the ledger API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client.
func NewClient(cfg Config) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// apiError represents an error response from the ledger.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Balance is the response of GET /v1/balances/:account.
type Balance struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

// ChannelPage is one page of a sender's channels.
type ChannelPage struct {
	Channels   []channels.View `json:"channels"`
	Count      int             `json:"count"`
	HasMore    bool            `json:"hasMore"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// AuditStatus is the response of GET /v1/audit.
type AuditStatus struct {
	Audit      *audit.Result `json:"audit"`
	Halted     bool          `json:"halted"`
	HaltReason string        `json:"haltReason,omitempty"`
}

// get fetches path and decodes the JSON body into out. Status codes listed
// in accept are decoded like 200 instead of being turned into errors.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any, accept ...int) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 && !slices.Contains(accept, resp.StatusCode) {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Message == "" {
				apiErr.Message = apiErr.Error
			}
			return fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DefaultAccount is the account used when a tool call names none.
func (c *Client) DefaultAccount() string { return c.cfg.Account }

// GetBalance returns an account's ledger balance.
func (c *Client) GetBalance(ctx context.Context, account string) (*Balance, error) {
	var out Balance
	if err := c.get(ctx, "/v1/balances/"+url.PathEscape(account), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChannel returns one channel.
func (c *Client) GetChannel(ctx context.Context, id string) (*channels.View, error) {
	var out struct {
		Channel channels.View `json:"channel"`
	}
	if err := c.get(ctx, "/v1/channels/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Channel, nil
}

// ListSenderChannels returns one page of channels opened by sender.
func (c *Client) ListSenderChannels(ctx context.Context, sender, cursor string, limit int) (*ChannelPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out ChannelPage
	if err := c.get(ctx, "/v1/senders/"+url.PathEscape(sender)+"/channels", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditStatus returns the latest conservation check. A failed check is
// reported in the result, not as an error.
func (c *Client) AuditStatus(ctx context.Context) (*AuditStatus, error) {
	var out AuditStatus
	if err := c.get(ctx, "/v1/audit", nil, &out, http.StatusConflict); err != nil {
		return nil, err
	}
	return &out, nil
}
