package escrow

import (
	"errors"
	"fmt"

	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/mbd888/mpescrow/internal/audit"
	"github.com/mbd888/mpescrow/internal/channels"
	"github.com/mbd888/mpescrow/internal/custody"
	"github.com/mbd888/mpescrow/internal/ledger"
	"github.com/mbd888/mpescrow/internal/lifecycle"
)

// Kind is the externally visible error category.
type Kind string

const (
	KindInsufficientBalance Kind = "insufficient_balance"
	KindTransferFailed      Kind = "transfer_failed"
	KindOverflow            Kind = "overflow"
	KindUnderflow           Kind = "underflow"
	KindInvalidExpiration   Kind = "invalid_expiration"
	KindEmptyChannel        Kind = "empty_channel"
	KindNoOp                Kind = "no_op"
	KindNonceMismatch       Kind = "nonce_mismatch"
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindAlreadyClosed       Kind = "already_closed"
	KindNotYetExpired       Kind = "not_yet_expired"
	KindInvalidAmount       Kind = "invalid_amount"
	KindInvalidProof        Kind = "invalid_proof"
	KindInvalidAccount      Kind = "invalid_account"
	KindHalted              Kind = "halted"
	KindInternal            Kind = "internal"
)

var (
	ErrUnauthorized   = errors.New("escrow: caller not authorized for this channel")
	ErrInvalidAccount = errors.New("escrow: invalid account")
	ErrInvalidAmount  = errors.New("escrow: invalid amount")
	ErrInvalidProof   = errors.New("escrow: invalid claim proof")
)

// Error is returned by every Service operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("escrow: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, KindInternal for foreign errors and ""
// for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// kindTable maps component sentinels to kinds. Order matters only where a
// chain could hold more than one sentinel; the first match wins.
var kindTable = []struct {
	err  error
	kind Kind
}{
	{audit.ErrHalted, KindHalted},
	{ErrUnauthorized, KindUnauthorized},
	{ErrInvalidAccount, KindInvalidAccount},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrInvalidProof, KindInvalidProof},
	{ledger.ErrInsufficientBalance, KindInsufficientBalance},
	{custody.ErrInsufficientAllowance, KindTransferFailed},
	{custody.ErrInsufficientFunds, KindTransferFailed},
	{custody.ErrTransferFailed, KindTransferFailed},
	{custody.ErrUnavailable, KindTransferFailed},
	{custody.ErrOutcomeUnknown, KindTransferFailed},
	{ledger.ErrOverflow, KindOverflow},
	{channels.ErrOverflow, KindOverflow},
	{amount.ErrOverflow, KindOverflow},
	{channels.ErrUnderflow, KindUnderflow},
	{amount.ErrUnderflow, KindUnderflow},
	{channels.ErrInvalidExpiration, KindInvalidExpiration},
	{lifecycle.ErrEmptyChannel, KindEmptyChannel},
	{lifecycle.ErrNoOp, KindNoOp},
	{channels.ErrNonceMismatch, KindNonceMismatch},
	{channels.ErrNotFound, KindNotFound},
	{channels.ErrAlreadyClosed, KindAlreadyClosed},
	{lifecycle.ErrNotYetExpired, KindNotYetExpired},
}

func classify(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	for _, m := range kindTable {
		if errors.Is(err, m.err) {
			return &Error{Kind: m.kind, Op: op, Err: err}
		}
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}
