// Package store holds the persisted ledger state: balances, channel records
// and the per-sender channel index, behind one transactional boundary.
//
// Every escrow operation runs inside Atomic. Writes made through the Tx are
// visible to later reads in the same Tx and to nobody else until fn returns
// nil and the commit succeeds; any error discards all of them.
package store

import (
	"context"
	"errors"

	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/channels"
	"github.com/mbd888/mpescrow/internal/ledger"
)

var (
	// ErrConflict means a concurrent transaction changed a key this one read.
	ErrConflict = errors.New("store: transaction conflict")
	// ErrCommit means fn succeeded but its writes could not be committed.
	ErrCommit = errors.New("store: commit failed")
	// ErrTxDone is returned when a Tx is used after Atomic returned.
	ErrTxDone = errors.New("store: transaction already finished")
)

// Tx is the transaction-scoped view handed to Atomic callbacks.
type Tx interface {
	ledger.BalanceTable
	channels.Table
}

// Totals is the ledger side of the conservation check.
type Totals struct {
	Balances     *uint256.Int // Σ unlocked balances
	Locked       *uint256.Int // Σ value of open channels
	Accounts     int
	OpenChannels int
}

// Store is the persistence boundary used by the escrow service.
type Store interface {
	// Atomic runs fn in a transaction and commits it when fn returns nil.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// Committed-state reads.
	Balance(ctx context.Context, account string) (*uint256.Int, error)
	Channel(ctx context.Context, id string) (*channels.Channel, error)
	channels.IndexReader
	Totals(ctx context.Context) (Totals, error)

	Ping(ctx context.Context) error
}
