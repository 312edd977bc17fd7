// Package audit checks the conservation invariant: the tokens custody holds
// must equal the sum of unlocked balances plus the value locked in open
// channels. A violation halts the ledger for mutations until restart.
package audit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/mbd888/mpescrow/internal/retry"
	"github.com/mbd888/mpescrow/internal/store"
)

var (
	ErrViolation = errors.New("audit: conservation violated")
	ErrHalted    = errors.New("audit: ledger halted")
)

// Policy decides which custody/ledger relationships pass.
type Policy int

const (
	// Strict requires custody == ledger exactly.
	Strict Policy = iota
	// AllowSurplus also accepts custody > ledger, e.g. when tokens were sent
	// straight to the custody address outside a deposit.
	AllowSurplus
)

// TotalsReader returns the ledger side of the check.
type TotalsReader interface {
	Totals(ctx context.Context) (store.Totals, error)
}

// CustodyReader returns the token side of the check.
type CustodyReader interface {
	CustodyBalance(ctx context.Context) (*uint256.Int, error)
}

// Result is the outcome of one check.
type Result struct {
	OK           bool      `json:"ok"`
	Custody      string    `json:"custody"`
	Balances     string    `json:"balances"`
	Locked       string    `json:"locked"`
	LedgerTotal  string    `json:"ledgerTotal"`
	Diff         string    `json:"diff"` // custody - ledger, signed
	Accounts     int       `json:"accounts"`
	OpenChannels int       `json:"openChannels"`
	CheckedAt    time.Time `json:"checkedAt"`
}

// Auditor runs conservation checks.
type Auditor struct {
	totals  TotalsReader
	custody CustodyReader
	policy  Policy
	retry   retry.Policy
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithPolicy selects the acceptance policy. Default Strict.
func WithPolicy(p Policy) Option { return func(a *Auditor) { a.policy = p } }

// WithRetry sets the retry policy for the two reads.
func WithRetry(p retry.Policy) Option { return func(a *Auditor) { a.retry = p } }

// NewAuditor creates an Auditor.
func NewAuditor(totals TotalsReader, custody CustodyReader, opts ...Option) *Auditor {
	a := &Auditor{totals: totals, custody: custody, retry: retry.Default}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Check reads both sides and compares them. The caller must make sure no
// mutation is in flight, or a transient difference will be reported.
// A violation returns the Result together with ErrViolation; a read failure
// returns only an error.
func (a *Auditor) Check(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { checkDuration.Observe(time.Since(start).Seconds()) }()

	var totals store.Totals
	if err := retry.Do(ctx, a.retry, func(ctx context.Context) (err error) {
		totals, err = a.totals.Totals(ctx)
		return err
	}); err != nil {
		checks.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("audit: read ledger totals: %w", err)
	}
	var held *uint256.Int
	if err := retry.Do(ctx, a.retry, func(ctx context.Context) (err error) {
		held, err = a.custody.CustodyBalance(ctx)
		return err
	}); err != nil {
		checks.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("audit: read custody balance: %w", err)
	}

	ledgerTotal := new(big.Int).Add(totals.Balances.ToBig(), totals.Locked.ToBig())
	diff := new(big.Int).Sub(held.ToBig(), ledgerTotal)

	res := &Result{
		Custody:      amount.Format(held),
		Balances:     amount.Format(totals.Balances),
		Locked:       amount.Format(totals.Locked),
		LedgerTotal:  ledgerTotal.String(),
		Diff:         diff.String(),
		Accounts:     totals.Accounts,
		OpenChannels: totals.OpenChannels,
		CheckedAt:    start.UTC(),
	}
	switch {
	case diff.Sign() == 0:
		res.OK = true
	case diff.Sign() > 0 && a.policy == AllowSurplus:
		res.OK = true
	}

	custodyGauge.Set(bigFloat(held.ToBig()))
	ledgerGauge.Set(bigFloat(ledgerTotal))
	if !res.OK {
		checks.WithLabelValues("violation").Inc()
		return res, fmt.Errorf("%w: custody %s, ledger %s", ErrViolation, res.Custody, res.LedgerTotal)
	}
	checks.WithLabelValues("ok").Inc()
	return res, nil
}

func bigFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// Guard latches the halted state once a violation is seen.
type Guard struct {
	reason atomic.Pointer[string]
}

// Halt latches the guard. Later calls keep the first reason.
func (g *Guard) Halt(reason string) {
	if g.reason.CompareAndSwap(nil, &reason) {
		haltedGauge.Set(1)
	}
}

// Halted reports whether the guard has latched, and why.
func (g *Guard) Halted() (bool, string) {
	r := g.reason.Load()
	if r == nil {
		return false, ""
	}
	return true, *r
}

// Err returns nil while running, or an error wrapping ErrHalted.
func (g *Guard) Err() error {
	if halted, reason := g.Halted(); halted {
		return fmt.Errorf("%w: %s", ErrHalted, reason)
	}
	return nil
}
