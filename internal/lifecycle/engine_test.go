package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/channels"
	"github.com/mbd888/mpescrow/internal/clock"
	"github.com/mbd888/mpescrow/internal/custody"
	"github.com/mbd888/mpescrow/internal/ledger"
	"github.com/mbd888/mpescrow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vault     = "0x00000000000000000000000000000000000e5c70"
	sender    = "0x00000000000000000000000000000000000a11ce"
	recipient = "0x0000000000000000000000000000000000000b0b"
	t0        = int64(1_700_000_000)
)

type harness struct {
	t      *testing.T
	store  *store.MemoryStore
	token  *custody.Token
	clock  *clock.Manual
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	domain, err := channels.NewDomain(common.HexToAddress(vault), "")
	require.NoError(t, err)
	tok := custody.NewToken()
	require.NoError(t, tok.Mint(sender, uint256.NewInt(10_000)))
	tok.Approve(sender, vault, uint256.NewInt(10_000))
	clk := clock.NewManual(t0)
	return &harness{
		t:      t,
		store:  store.NewMemoryStore(),
		token:  tok,
		clock:  clk,
		engine: New(domain, custody.NewMemoryAdapter(tok, vault), clk),
	}
}

func (h *harness) atomic(fn func(tx store.Tx) error) error {
	return h.store.Atomic(context.Background(), fn)
}

func (h *harness) deposit(amt uint64) {
	h.t.Helper()
	require.NoError(h.t, h.atomic(func(tx store.Tx) error {
		_, _, err := h.engine.Deposit(context.Background(), tx, sender, uint256.NewInt(amt))
		return err
	}))
}

func (h *harness) open(value uint64, ttl int64) *channels.Channel {
	h.t.Helper()
	var ch *channels.Channel
	require.NoError(h.t, h.atomic(func(tx store.Tx) error {
		var err error
		ch, err = h.engine.Open(context.Background(), tx, OpenParams{
			Sender: sender, Recipient: recipient,
			Value: uint256.NewInt(value), Expiration: t0 + ttl,
		})
		return err
	}))
	return ch
}

func (h *harness) balance(acct string) uint64 {
	h.t.Helper()
	b, err := h.store.Balance(context.Background(), acct)
	require.NoError(h.t, err)
	return b.Uint64()
}

// conserved asserts custody == Σ balances + Σ open channel value.
func (h *harness) conserved() {
	h.t.Helper()
	totals, err := h.store.Totals(context.Background())
	require.NoError(h.t, err)
	sum := new(uint256.Int).Add(totals.Balances, totals.Locked)
	assert.Equal(h.t, h.token.BalanceOf(vault).Uint64(), sum.Uint64(), "conservation")
}

func TestDeposit_FailedPullRollsBackCredit(t *testing.T) {
	h := newHarness(t)
	err := h.atomic(func(tx store.Tx) error {
		_, _, err := h.engine.Deposit(context.Background(), tx, sender, uint256.NewInt(20_000))
		return err
	})
	assert.ErrorIs(t, err, custody.ErrInsufficientAllowance)
	assert.Zero(t, h.balance(sender))
	h.conserved()
}

func TestWithdraw_FailedPushRollsBackDebit(t *testing.T) {
	h := newHarness(t)
	h.deposit(500)
	h.token.Block(sender)

	err := h.atomic(func(tx store.Tx) error {
		_, _, err := h.engine.Withdraw(context.Background(), tx, sender, uint256.NewInt(200))
		return err
	})
	assert.ErrorIs(t, err, custody.ErrTransferFailed)
	assert.Equal(t, uint64(500), h.balance(sender))
	h.conserved()
}

func TestWithdraw_Insufficient(t *testing.T) {
	h := newHarness(t)
	h.deposit(100)
	err := h.atomic(func(tx store.Tx) error {
		_, _, err := h.engine.Withdraw(context.Background(), tx, sender, uint256.NewInt(101))
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestOpen(t *testing.T) {
	h := newHarness(t)
	h.deposit(1000)

	ch := h.open(600, 100)
	assert.Equal(t, uint64(600), ch.Value.Uint64())
	assert.Equal(t, uint64(0), ch.Nonce)
	assert.Equal(t, uint64(400), h.balance(sender))
	h.conserved()

	ids, err := h.store.SenderChannels(context.Background(), sender, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{ch.ID}, ids)
}

func TestOpen_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
		exp   int64
		want  error
	}{
		{"empty", 0, t0 + 10, ErrEmptyChannel},
		{"expiration now", 10, t0, channels.ErrInvalidExpiration},
		{"expiration past", 10, t0 - 1, channels.ErrInvalidExpiration},
		{"insufficient", 2000, t0 + 10, ledger.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.deposit(1000)
			err := h.atomic(func(tx store.Tx) error {
				_, err := h.engine.Open(context.Background(), tx, OpenParams{
					Sender: sender, Recipient: recipient,
					Value: uint256.NewInt(tt.value), Expiration: tt.exp,
				})
				return err
			})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, uint64(1000), h.balance(sender))
			h.conserved()
		})
	}
}

func TestExtend(t *testing.T) {
	h := newHarness(t)
	h.deposit(1000)
	ch := h.open(300, 100)

	var got *channels.Channel
	require.NoError(t, h.atomic(func(tx store.Tx) error {
		var err error
		got, err = h.engine.Extend(context.Background(), tx, ExtendParams{
			ChannelID: ch.ID, Amount: uint256.NewInt(200), NewExpiration: t0 + 500,
		})
		return err
	}))
	assert.Equal(t, uint64(500), got.Value.Uint64())
	assert.Equal(t, uint64(1), got.Nonce)
	assert.Equal(t, t0+500, got.Expiration)
	assert.Equal(t, uint64(500), h.balance(sender))
	h.conserved()
}

func TestExtend_Rejections(t *testing.T) {
	stale := uint64(7)
	tests := []struct {
		name string
		p    func(id string) ExtendParams
		want error
	}{
		{"zero", func(id string) ExtendParams {
			return ExtendParams{ChannelID: id, Amount: uint256.NewInt(0)}
		}, ErrNoOp},
		{"shorter expiration", func(id string) ExtendParams {
			return ExtendParams{ChannelID: id, Amount: uint256.NewInt(1), NewExpiration: t0 + 50}
		}, channels.ErrInvalidExpiration},
		{"stale nonce", func(id string) ExtendParams {
			return ExtendParams{ChannelID: id, Amount: uint256.NewInt(1), ExpectedNonce: &stale}
		}, channels.ErrNonceMismatch},
		{"more than balance", func(id string) ExtendParams {
			return ExtendParams{ChannelID: id, Amount: uint256.NewInt(701)}
		}, ledger.ErrInsufficientBalance},
		{"unknown", func(string) ExtendParams {
			return ExtendParams{ChannelID: "0xdead", Amount: uint256.NewInt(1)}
		}, channels.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.deposit(1000)
			ch := h.open(300, 100)
			err := h.atomic(func(tx store.Tx) error {
				_, err := h.engine.Extend(context.Background(), tx, tt.p(ch.ID))
				return err
			})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, uint64(700), h.balance(sender))
			h.conserved()
		})
	}
}

func (h *harness) claim(id string, amt, nonce uint64, sendback bool) (*ClaimResult, error) {
	var res *ClaimResult
	err := h.atomic(func(tx store.Tx) error {
		var err error
		res, err = h.engine.Claim(context.Background(), tx, ClaimParams{
			ChannelID: id, Amount: uint256.NewInt(amt), Nonce: nonce, Sendback: sendback,
		})
		return err
	})
	return res, err
}

func TestClaim_Monotonic(t *testing.T) {
	h := newHarness(t)
	h.deposit(1000)
	ch := h.open(600, 100)

	res, err := h.claim(ch.ID, 400, 0, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), res.Channel.Value.Uint64())
	assert.Equal(t, uint64(1), res.Channel.Nonce)
	assert.False(t, res.Channel.IsClosed())

	_, err = h.claim(ch.ID, 201, 1, false)
	assert.ErrorIs(t, err, channels.ErrUnderflow)

	_, err = h.claim(ch.ID, 200, 0, false)
	assert.ErrorIs(t, err, channels.ErrNonceMismatch, "replayed nonce")

	res, err = h.claim(ch.ID, 200, 1, false)
	require.NoError(t, err)
	assert.True(t, res.Channel.IsClosed())
	assert.Equal(t, channels.CloseClaimed, res.Channel.CloseReason)

	_, err = h.claim(ch.ID, 1, 2, false)
	assert.ErrorIs(t, err, channels.ErrAlreadyClosed)

	assert.Equal(t, uint64(600), h.balance(recipient))
	assert.Equal(t, uint64(400), h.balance(sender))
	h.conserved()
}

func TestClaim_Zero(t *testing.T) {
	h := newHarness(t)
	h.deposit(1000)
	ch := h.open(600, 100)
	_, err := h.claim(ch.ID, 0, 0, false)
	assert.ErrorIs(t, err, ErrNoOp)
}

func TestClaim_Sendback(t *testing.T) {
	h := newHarness(t)
	h.deposit(1000)
	ch := h.open(600, 100)

	res, err := h.claim(ch.ID, 250, 0, true)
	require.NoError(t, err)
	assert.Equal(t, channels.CloseSendback, res.Channel.CloseReason)
	assert.Equal(t, uint64(350), res.Returned.Uint64())
	assert.True(t, res.Channel.Value.IsZero())
	assert.Equal(t, uint64(250), h.balance(recipient))
	assert.Equal(t, uint64(750), h.balance(sender))
	h.conserved()
}

func (h *harness) reclaim(id string) (*uint256.Int, error) {
	var released *uint256.Int
	err := h.atomic(func(tx store.Tx) error {
		var err error
		_, released, err = h.engine.Reclaim(context.Background(), tx, id)
		return err
	})
	return released, err
}

func TestReclaim_InclusiveExpiration(t *testing.T) {
	h := newHarness(t)
	h.deposit(1000)
	ch := h.open(600, 100)

	h.clock.Set(t0 + 99)
	_, err := h.reclaim(ch.ID)
	assert.ErrorIs(t, err, ErrNotYetExpired)

	h.clock.Set(t0 + 100)
	released, err := h.reclaim(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), released.Uint64())
	assert.Equal(t, uint64(1000), h.balance(sender))

	_, err = h.reclaim(ch.ID)
	assert.ErrorIs(t, err, channels.ErrAlreadyClosed)
	h.conserved()
}

func TestScenario(t *testing.T) {
	h := newHarness(t)
	h.deposit(1000)
	ch := h.open(600, 100)

	_, err := h.claim(ch.ID, 400, 0, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), h.balance(sender))
	h.conserved()

	h.clock.Advance(101)
	released, err := h.reclaim(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), released.Uint64())
	assert.Equal(t, uint64(600), h.balance(sender))
	assert.Equal(t, uint64(1000), h.token.BalanceOf(vault).Uint64())
	h.conserved()
}

func TestTransfer(t *testing.T) {
	h := newHarness(t)
	h.deposit(100)
	require.NoError(t, h.atomic(func(tx store.Tx) error {
		return h.engine.Transfer(context.Background(), tx, sender, recipient, uint256.NewInt(30))
	}))
	assert.Equal(t, uint64(70), h.balance(sender))
	assert.Equal(t, uint64(30), h.balance(recipient))

	err := h.atomic(func(tx store.Tx) error {
		return h.engine.Transfer(context.Background(), tx, sender, recipient, uint256.NewInt(71))
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	h.conserved()
}

type brokenClock struct{}

func (brokenClock) Now(context.Context) (int64, error) { return 0, errors.New("rpc down") }

func TestOpen_ClockError(t *testing.T) {
	h := newHarness(t)
	h.deposit(100)
	h.engine.clock = brokenClock{}
	err := h.atomic(func(tx store.Tx) error {
		_, err := h.engine.Open(context.Background(), tx, OpenParams{
			Sender: sender, Recipient: recipient, Value: uint256.NewInt(1), Expiration: t0 + 1,
		})
		return err
	})
	assert.ErrorContains(t, err, "rpc down")
	assert.Equal(t, uint64(100), h.balance(sender))
}
