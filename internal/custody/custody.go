// Package custody is the boundary to the fungible token that actually holds
// escrowed funds. The escrow service is its only caller.
//
// Pull transfers move tokens from a depositor into custody and require a
// prior allowance; push transfers move tokens out of custody.
package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrInsufficientAllowance = errors.New("custody: insufficient allowance")
	ErrInsufficientFunds     = errors.New("custody: insufficient token balance")
	ErrTransferFailed        = errors.New("custody: transfer failed")
	ErrUnavailable           = errors.New("custody: token backend unavailable")
	// ErrOutcomeUnknown means a transfer was submitted but its result could
	// not be observed; the tokens may or may not have moved.
	ErrOutcomeUnknown = errors.New("custody: transfer outcome unknown")
)

// Adapter moves and reads custodied tokens.
type Adapter interface {
	// Address is the custody account that holds escrowed tokens.
	Address() string
	PullTransferIn(ctx context.Context, from string, amt *uint256.Int) (*Receipt, error)
	PushTransferOut(ctx context.Context, to string, amt *uint256.Int) (*Receipt, error)
	CustodyBalance(ctx context.Context) (*uint256.Int, error)
}

// Receipt describes a completed transfer.
type Receipt struct {
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// TransferError wraps transfer failures with context
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("custody: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("custody: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
