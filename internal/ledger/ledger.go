// Package ledger is the Balance Ledger: per-account unlocked balances.
//
// A Ledger is bound to one BalanceTable, which in practice is the open
// store transaction of a single escrow operation. It does no locking and
// makes no external calls; atomicity and isolation come from the table.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/amount"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrOverflow            = errors.New("ledger: balance overflow")
	ErrInvalidAmount       = errors.New("ledger: amount must be non-nil")
)

// BalanceTable is the account → balance mapping a Ledger mutates.
// Balance returns zero for accounts that have never been written.
type BalanceTable interface {
	Balance(ctx context.Context, account string) (*uint256.Int, error)
	SetBalance(ctx context.Context, account string, balance *uint256.Int) error
}

// Ledger applies checked credits and debits to a BalanceTable.
type Ledger struct {
	table BalanceTable
}

// New binds a Ledger to a table.
func New(table BalanceTable) *Ledger {
	return &Ledger{table: table}
}

// Read returns the account's unlocked balance; absent accounts read as zero.
func (l *Ledger) Read(ctx context.Context, account string) (*uint256.Int, error) {
	done := observeOp("read")
	defer done()

	bal, err := l.table.Balance(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", account, err)
	}
	return amount.Clone(bal), nil
}

// Credit increases the account's balance and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, account string, amt *uint256.Int) (*uint256.Int, error) {
	if amt == nil {
		return nil, ErrInvalidAmount
	}
	done := observeOp("credit")
	defer done()

	bal, err := l.table.Balance(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", account, err)
	}
	next, err := amount.Add(amount.Clone(bal), amt)
	if err != nil {
		rejections.WithLabelValues("overflow").Inc()
		return nil, ErrOverflow
	}
	if err := l.table.SetBalance(ctx, account, next); err != nil {
		return nil, fmt.Errorf("ledger: write %s: %w", account, err)
	}
	return next.Clone(), nil
}

// Debit decreases the account's balance and returns the new balance.
func (l *Ledger) Debit(ctx context.Context, account string, amt *uint256.Int) (*uint256.Int, error) {
	if amt == nil {
		return nil, ErrInvalidAmount
	}
	done := observeOp("debit")
	defer done()

	bal, err := l.table.Balance(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", account, err)
	}
	next, err := amount.Sub(amount.Clone(bal), amt)
	if err != nil {
		rejections.WithLabelValues("insufficient_balance").Inc()
		return nil, ErrInsufficientBalance
	}
	if err := l.table.SetBalance(ctx, account, next); err != nil {
		return nil, fmt.Errorf("ledger: write %s: %w", account, err)
	}
	return next.Clone(), nil
}

// Move debits from and credits to in one step. Either both apply or, on
// error, the caller's transaction is expected to roll back.
func (l *Ledger) Move(ctx context.Context, from, to string, amt *uint256.Int) error {
	if _, err := l.Debit(ctx, from, amt); err != nil {
		return err
	}
	_, err := l.Credit(ctx, to, amt)
	return err
}
