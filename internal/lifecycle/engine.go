// Package lifecycle is the channel state machine and the balance movements
// that go with each transition. Every method runs against one store
// transaction; the caller owns locking, authorization and commit.
//
//	Open(value>0) ──Extend(+Δ)──▶ Open
//	     │        ──Claim(-Δ)───▶ Open | Closed(claimed, value 0) | Closed(sendback)
//	     └────────Reclaim(now ≥ expiration)──▶ Closed(reclaimed)
//
// Value locked in a channel is always debited from the sender before it is
// added to the channel, and always removed from the channel before it is
// credited anywhere, so Σ balances + Σ open channel value only changes on
// Deposit and Withdraw, by exactly the amount custody moved.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/channels"
	"github.com/mbd888/mpescrow/internal/clock"
	"github.com/mbd888/mpescrow/internal/custody"
	"github.com/mbd888/mpescrow/internal/ledger"
	"github.com/mbd888/mpescrow/internal/store"
)

var (
	ErrEmptyChannel  = errors.New("lifecycle: channel value must be positive")
	ErrNoOp          = errors.New("lifecycle: amount must be positive")
	ErrNotYetExpired = errors.New("lifecycle: channel not yet expired")
)

// Engine applies life-cycle transitions.
type Engine struct {
	domain  channels.Domain
	custody custody.Adapter
	clock   clock.Clock
}

// New creates an Engine.
func New(domain channels.Domain, adapter custody.Adapter, clk clock.Clock) *Engine {
	return &Engine{domain: domain, custody: adapter, clock: clk}
}

func (e *Engine) bind(tx store.Tx) (*ledger.Ledger, *channels.Registry) {
	return ledger.New(tx), channels.NewRegistry(tx, e.domain)
}

// Now returns the engine's logical time.
func (e *Engine) Now(ctx context.Context) (int64, error) {
	now, err := e.clock.Now(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: read clock: %w", err)
	}
	return now, nil
}

// Deposit credits account and then pulls amt into custody. A failed pull
// returns an error wrapping the custody failure; the caller's transaction
// must roll back the credit.
func (e *Engine) Deposit(ctx context.Context, tx store.Tx, account string, amt *uint256.Int) (*uint256.Int, *custody.Receipt, error) {
	if amt.IsZero() {
		return nil, nil, ErrNoOp
	}
	bal, err := ledger.New(tx).Credit(ctx, account, amt)
	if err != nil {
		return nil, nil, err
	}
	rcpt, err := e.custody.PullTransferIn(ctx, account, amt)
	if err != nil {
		return nil, nil, err
	}
	transitions.WithLabelValues("deposit").Inc()
	return bal, rcpt, nil
}

// Withdraw debits account and then pushes amt out of custody.
func (e *Engine) Withdraw(ctx context.Context, tx store.Tx, account string, amt *uint256.Int) (*uint256.Int, *custody.Receipt, error) {
	if amt.IsZero() {
		return nil, nil, ErrNoOp
	}
	bal, err := ledger.New(tx).Debit(ctx, account, amt)
	if err != nil {
		return nil, nil, err
	}
	rcpt, err := e.custody.PushTransferOut(ctx, account, amt)
	if err != nil {
		return nil, nil, err
	}
	transitions.WithLabelValues("withdraw").Inc()
	return bal, rcpt, nil
}

// Transfer moves unlocked balance between two accounts.
func (e *Engine) Transfer(ctx context.Context, tx store.Tx, from, to string, amt *uint256.Int) error {
	if amt.IsZero() {
		return ErrNoOp
	}
	if err := ledger.New(tx).Move(ctx, from, to, amt); err != nil {
		return err
	}
	transitions.WithLabelValues("transfer").Inc()
	return nil
}

// OpenParams describes a new channel.
type OpenParams struct {
	Sender     string
	Recipient  string
	Value      *uint256.Int
	Expiration int64
	ReplicaID  string
}

// Open locks Value out of the sender's balance into a new channel.
func (e *Engine) Open(ctx context.Context, tx store.Tx, p OpenParams) (*channels.Channel, error) {
	if p.Value == nil || p.Value.IsZero() {
		return nil, ErrEmptyChannel
	}
	now, err := e.Now(ctx)
	if err != nil {
		return nil, err
	}
	if p.Expiration <= now {
		return nil, channels.ErrInvalidExpiration
	}

	led, reg := e.bind(tx)
	if _, err := led.Debit(ctx, p.Sender, p.Value); err != nil {
		return nil, err
	}
	ch, err := reg.Allocate(ctx, channels.Allocation{
		Sender:     p.Sender,
		Recipient:  p.Recipient,
		Value:      p.Value,
		Expiration: p.Expiration,
		ReplicaID:  p.ReplicaID,
	}, now)
	if err != nil {
		return nil, err
	}
	transitions.WithLabelValues("open").Inc()
	return ch, nil
}

// ExtendParams describes a top-up. A nil ExpectedNonce means "current";
// a zero NewExpiration leaves the expiration unchanged.
type ExtendParams struct {
	ChannelID     string
	Amount        *uint256.Int
	NewExpiration int64
	ExpectedNonce *uint64
}

// Extend moves Amount from the sender's balance into the channel and
// optionally pushes its expiration later.
func (e *Engine) Extend(ctx context.Context, tx store.Tx, p ExtendParams) (*channels.Channel, error) {
	led, reg := e.bind(tx)
	ch, err := reg.Get(ctx, p.ChannelID)
	if err != nil {
		return nil, err
	}
	if ch.IsClosed() {
		return nil, channels.ErrAlreadyClosed
	}
	if p.Amount == nil || p.Amount.IsZero() {
		return nil, ErrNoOp
	}
	if p.NewExpiration != 0 && p.NewExpiration < ch.Expiration {
		return nil, channels.ErrInvalidExpiration
	}

	nonce := ch.Nonce
	if p.ExpectedNonce != nil {
		nonce = *p.ExpectedNonce
	}
	if _, err := led.Debit(ctx, ch.Sender, p.Amount); err != nil {
		return nil, err
	}
	ch, err = reg.MutateValue(ctx, p.ChannelID, channels.Increase(p.Amount), nonce)
	if err != nil {
		return nil, err
	}
	if p.NewExpiration != 0 && p.NewExpiration != ch.Expiration {
		if ch, err = reg.SetExpiration(ctx, p.ChannelID, p.NewExpiration); err != nil {
			return nil, err
		}
	}
	transitions.WithLabelValues("extend").Inc()
	return ch, nil
}

// ClaimParams describes a recipient claim authorized at Nonce.
type ClaimParams struct {
	ChannelID string
	Amount    *uint256.Int
	Nonce     uint64
	Sendback  bool
}

// ClaimResult reports what a claim moved.
type ClaimResult struct {
	Channel  *channels.Channel
	Claimed  *uint256.Int // credited to the recipient
	Returned *uint256.Int // credited back to the sender on send-back
}

// Claim takes Amount out of the channel and credits the recipient. A claim
// that empties the channel closes it; with Sendback set, whatever remains is
// returned to the sender and the channel closes.
func (e *Engine) Claim(ctx context.Context, tx store.Tx, p ClaimParams) (*ClaimResult, error) {
	led, reg := e.bind(tx)
	ch, err := reg.Get(ctx, p.ChannelID)
	if err != nil {
		return nil, err
	}
	if ch.IsClosed() {
		return nil, channels.ErrAlreadyClosed
	}
	if p.Amount == nil || p.Amount.IsZero() {
		return nil, ErrNoOp
	}

	ch, err = reg.MutateValue(ctx, p.ChannelID, channels.Decrease(p.Amount), p.Nonce)
	if err != nil {
		return nil, err
	}
	if _, err := led.Credit(ctx, ch.Recipient, p.Amount); err != nil {
		return nil, err
	}

	res := &ClaimResult{Channel: ch, Claimed: p.Amount.Clone(), Returned: new(uint256.Int)}
	switch {
	case ch.Value.IsZero():
		if res.Channel, _, err = reg.Close(ctx, p.ChannelID, channels.CloseClaimed); err != nil {
			return nil, err
		}
		transitions.WithLabelValues("claim_close").Inc()
	case p.Sendback:
		closed, released, err := reg.Close(ctx, p.ChannelID, channels.CloseSendback)
		if err != nil {
			return nil, err
		}
		if _, err := led.Credit(ctx, closed.Sender, released); err != nil {
			return nil, err
		}
		res.Channel, res.Returned = closed, released
		transitions.WithLabelValues("sendback").Inc()
	default:
		transitions.WithLabelValues("claim").Inc()
	}
	return res, nil
}

// Reclaim returns an expired channel's remaining value to its sender.
// Expiration is inclusive: reclaim is allowed once now ≥ expiration.
func (e *Engine) Reclaim(ctx context.Context, tx store.Tx, channelID string) (*channels.Channel, *uint256.Int, error) {
	led, reg := e.bind(tx)
	ch, err := reg.Get(ctx, channelID)
	if err != nil {
		return nil, nil, err
	}
	if ch.IsClosed() {
		return nil, nil, channels.ErrAlreadyClosed
	}
	now, err := e.Now(ctx)
	if err != nil {
		return nil, nil, err
	}
	if now < ch.Expiration {
		return nil, nil, ErrNotYetExpired
	}

	closed, released, err := reg.Close(ctx, channelID, channels.CloseReclaimed)
	if err != nil {
		return nil, nil, err
	}
	if _, err := led.Credit(ctx, closed.Sender, released); err != nil {
		return nil, nil, err
	}
	transitions.WithLabelValues("reclaim").Inc()
	return closed, released, nil
}
