// Package escrow is the service boundary of the ledger: deposits,
// withdrawals, internal transfers and the payment-channel operations.
//
// Every mutating operation is one store transaction. Custody transfers run
// inside the transaction before commit, so a failed pull or push leaves the
// ledger untouched. Operations on the same accounts or channel are
// serialized by per-key locks; unrelated operations run concurrently.
// A conservation audit can run between operations and halts the service
// for mutations when custody and ledger disagree.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/mbd888/mpescrow/internal/audit"
	"github.com/mbd888/mpescrow/internal/channels"
	"github.com/mbd888/mpescrow/internal/clock"
	"github.com/mbd888/mpescrow/internal/custody"
	"github.com/mbd888/mpescrow/internal/lifecycle"
	"github.com/mbd888/mpescrow/internal/logging"
	"github.com/mbd888/mpescrow/internal/realtime"
	"github.com/mbd888/mpescrow/internal/store"
	"github.com/mbd888/mpescrow/internal/syncutil"
	"github.com/mbd888/mpescrow/internal/traces"
	"github.com/mbd888/mpescrow/internal/validation"
	"github.com/mbd888/mpescrow/internal/vouchers"
	"go.opentelemetry.io/otel/attribute"
)

// ProofVerifier decides whether proof authorizes claiming amt from ch at nonce.
type ProofVerifier interface {
	VerifyClaim(ch *channels.Channel, nonce uint64, amt *uint256.Int, proof string) error
}

// EventSink receives committed mutations.
type EventSink interface {
	Broadcast(ev *realtime.Event)
}

// Option configures a Service.
type Option func(*Service)

// WithEvents publishes committed mutations to sink.
func WithEvents(sink EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// WithProofVerifier replaces the default voucher verifier.
func WithProofVerifier(v ProofVerifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithAuditEveryOp runs the conservation audit after every committed mutation.
func WithAuditEveryOp(on bool) Option {
	return func(s *Service) { s.auditEveryOp = on }
}

// WithAuditOptions configures the conservation auditor.
func WithAuditOptions(opts ...audit.Option) Option {
	return func(s *Service) { s.auditOpts = append(s.auditOpts, opts...) }
}

// WithOpTimeout bounds how long one mutation may run once its transaction
// has started. It must exceed the custody adapter's confirmation timeout.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithLogger sets the logger used outside request scope.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service implements the escrow operations.
type Service struct {
	store   store.Store
	custody custody.Adapter
	engine  *lifecycle.Engine
	locks   *syncutil.KeyLocks

	// auditMu is held shared by mutations and exclusively by Audit, so the
	// auditor only ever sees committed, quiescent state.
	auditMu   sync.RWMutex
	auditor   *audit.Auditor
	auditOpts []audit.Option
	guard     audit.Guard
	lastAudit atomic.Pointer[audit.Result]

	verifier     ProofVerifier
	events       EventSink
	auditEveryOp bool
	opTimeout    time.Duration
	logger       *slog.Logger
}

// DefaultOpTimeout bounds a mutation after its locks are held.
const DefaultOpTimeout = 2 * time.Minute

// NewService wires a Service over st and adapter. Channel ids are derived
// in domain; expirations are measured against clk.
func NewService(st store.Store, adapter custody.Adapter, domain channels.Domain, clk clock.Clock, opts ...Option) *Service {
	s := &Service{
		store:     st,
		custody:   adapter,
		engine:    lifecycle.New(domain, adapter, clk),
		locks:     syncutil.NewKeyLocks(),
		verifier:  vouchers.NewVerifier(adapter.Address()),
		opTimeout: DefaultOpTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.auditor = audit.NewAuditor(st, adapter, s.auditOpts...)
	return s
}

// BalanceChange reports an account's balance after a mutation.
type BalanceChange struct {
	Account string           `json:"account"`
	Balance string           `json:"balance"`
	Receipt *custody.Receipt `json:"receipt,omitempty"`
}

// OpenRequest describes a channel to open from the caller.
type OpenRequest struct {
	Recipient  string
	Value      *uint256.Int
	Expiration int64
	ReplicaID  string
}

// ExtendRequest tops up a channel. NewExpiration of zero keeps the current
// expiration; a nil ExpectedNonce means the current nonce.
type ExtendRequest struct {
	ChannelID     string
	Amount        *uint256.Int
	NewExpiration int64
	ExpectedNonce *uint64
}

// ClaimRequest is a recipient claim backed by a sender-signed proof.
type ClaimRequest struct {
	ChannelID string
	Amount    *uint256.Int
	Nonce     uint64
	Proof     string
	Sendback  bool
}

// ReclaimResult reports a reclaimed channel and the value returned.
type ReclaimResult struct {
	Channel  *channels.Channel
	Released *uint256.Int
}

func acctKey(a string) string  { return "a:" + a }
func chanKey(id string) string { return "c:" + id }

func normalizeAccount(a string) (string, error) {
	acct, ok := validation.NormalizeAccount(a)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccount, a)
	}
	return acct, nil
}

func checkAmount(a *uint256.Int) error {
	if a == nil {
		return ErrInvalidAmount
	}
	return nil
}

// begin starts tracing and timing for op. The returned func classifies the
// final error, records metrics and ends the span.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "escrow."+op, attrs...)
	return ctx, func(errp *error) {
		if *errp != nil {
			e := classify(op, *errp)
			if e.Kind == KindInternal {
				logging.L(ctx).Error("escrow operation failed", "op", op, "error", e.Err)
			}
			*errp = e
		}
		observeOp(op, KindOf(*errp), time.Since(start))
		traces.End(span, *errp)
	}
}

// compensation reverses a custody transfer made inside a transaction that
// did not commit. moved is set by the operation once tokens have moved;
// a nil undo means the transfer cannot be reversed.
type compensation struct {
	moved bool
	undo  func(ctx context.Context) error
}

// mutate runs fn in one transaction under the locks for keys. If the
// transaction fails after comp.moved was set, the transfer is reversed, or
// the service halts when it cannot be.
func (s *Service) mutate(ctx context.Context, op string, keys []string, comp *compensation, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := s.guard.Err(); err != nil {
		return err
	}
	s.auditMu.RLock()
	defer s.auditMu.RUnlock()

	unlock, err := s.locks.LockAll(ctx, keys...)
	if err != nil {
		return fmt.Errorf("acquire locks: %w", err)
	}
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	// From here custody may move tokens, so the caller going away must not
	// abort the transaction between the transfer and the commit.
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()

	err = s.store.Atomic(txCtx, func(tx store.Tx) error {
		return fn(txCtx, tx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, custody.ErrOutcomeUnknown):
		s.halt(ctx, op+": custody transfer outcome unknown")
	case comp == nil || !comp.moved:
		// no tokens moved
	case comp.undo == nil:
		logging.L(ctx).Error("ledger transaction failed after irreversible custody transfer", "op", op, "error", err)
		s.halt(ctx, op+": ledger transaction failed after custody transfer")
	default:
		if uerr := comp.undo(context.WithoutCancel(ctx)); uerr != nil {
			logging.L(ctx).Error("compensation failed", "op", op, "tx_error", err, "error", uerr)
			s.halt(ctx, op+": ledger transaction failed after custody transfer, compensation failed")
		} else {
			logging.L(ctx).Warn("custody transfer reversed after ledger transaction failed", "op", op, "error", err)
		}
	}
	return err
}

// committed publishes ev and, if configured, audits.
func (s *Service) committed(ctx context.Context, ev *realtime.Event) {
	if s.events != nil {
		s.events.Broadcast(ev)
	}
	if s.auditEveryOp {
		if _, err := s.Audit(ctx); err != nil && !errors.Is(err, audit.ErrViolation) {
			logging.L(ctx).Warn("post-operation audit failed", "error", err)
		}
	}
}

func (s *Service) halt(ctx context.Context, reason string) {
	if halted, _ := s.guard.Halted(); halted {
		return
	}
	s.guard.Halt(reason)
	haltsTotal.Inc()
	logging.L(ctx).Error("ledger halted; mutations rejected until restart", "reason", reason)
	if s.events != nil {
		s.events.Broadcast(&realtime.Event{Type: realtime.EventHalted, Data: map[string]string{"reason": reason}})
	}
}

// Halted reports whether mutations are being rejected, and why.
func (s *Service) Halted() (bool, string) {
	return s.guard.Halted()
}

// Deposit pulls amt from caller into custody and credits caller.
func (s *Service) Deposit(ctx context.Context, caller string, amt *uint256.Int) (res *BalanceChange, err error) {
	ctx, done := s.begin(ctx, "deposit", traces.Account(caller), traces.Amount(amount.Format(amt)))
	defer done(&err)

	account, err := normalizeAccount(caller)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amt); err != nil {
		return nil, err
	}

	res = &BalanceChange{Account: account}
	comp := &compensation{undo: func(ctx context.Context) error {
		_, err := s.custody.PushTransferOut(ctx, account, amt)
		return err
	}}
	err = s.mutate(ctx, "deposit", []string{acctKey(account)}, comp, func(ctx context.Context, tx store.Tx) error {
		bal, rcpt, err := s.engine.Deposit(ctx, tx, account, amt)
		if err != nil {
			return err
		}
		comp.moved = true
		res.Balance, res.Receipt = amount.Format(bal), rcpt
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("deposit", "account", account, "amount", amount.Format(amt))
	valueMoved.WithLabelValues("deposit").Add(approx(amt))
	s.committed(ctx, &realtime.Event{
		Type:     realtime.EventDeposit,
		Accounts: []string{account},
		Data:     map[string]string{"account": account, "amount": amount.Format(amt), "balance": res.Balance},
	})
	return res, nil
}

// Withdraw debits caller and pushes amt out of custody to caller.
func (s *Service) Withdraw(ctx context.Context, caller string, amt *uint256.Int) (res *BalanceChange, err error) {
	ctx, done := s.begin(ctx, "withdraw", traces.Account(caller), traces.Amount(amount.Format(amt)))
	defer done(&err)

	account, err := normalizeAccount(caller)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amt); err != nil {
		return nil, err
	}

	res = &BalanceChange{Account: account}
	// Pushed tokens cannot be pulled back without the holder's allowance.
	comp := &compensation{}
	err = s.mutate(ctx, "withdraw", []string{acctKey(account)}, comp, func(ctx context.Context, tx store.Tx) error {
		bal, rcpt, err := s.engine.Withdraw(ctx, tx, account, amt)
		if err != nil {
			return err
		}
		comp.moved = true
		res.Balance, res.Receipt = amount.Format(bal), rcpt
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("withdraw", "account", account, "amount", amount.Format(amt))
	valueMoved.WithLabelValues("withdraw").Add(approx(amt))
	s.committed(ctx, &realtime.Event{
		Type:     realtime.EventWithdrawal,
		Accounts: []string{account},
		Data:     map[string]string{"account": account, "amount": amount.Format(amt), "balance": res.Balance},
	})
	return res, nil
}

// Transfer moves unlocked balance from caller to another account.
func (s *Service) Transfer(ctx context.Context, caller, to string, amt *uint256.Int) (res *BalanceChange, err error) {
	ctx, done := s.begin(ctx, "transfer", traces.Account(caller), traces.Counterparty(to), traces.Amount(amount.Format(amt)))
	defer done(&err)

	from, err := normalizeAccount(caller)
	if err != nil {
		return nil, err
	}
	dest, err := normalizeAccount(to)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amt); err != nil {
		return nil, err
	}

	res = &BalanceChange{Account: from}
	err = s.mutate(ctx, "transfer", []string{acctKey(from), acctKey(dest)}, nil, func(ctx context.Context, tx store.Tx) error {
		if err := s.engine.Transfer(ctx, tx, from, dest, amt); err != nil {
			return err
		}
		bal, err := tx.Balance(ctx, from)
		if err != nil {
			return err
		}
		res.Balance = amount.Format(bal)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("transfer", "from", from, "to", dest, "amount", amount.Format(amt))
	s.committed(ctx, &realtime.Event{
		Type:     realtime.EventTransfer,
		Accounts: []string{from, dest},
		Data:     map[string]string{"from": from, "to": dest, "amount": amount.Format(amt)},
	})
	return res, nil
}

// OpenChannel locks req.Value from the caller's balance into a new channel
// to req.Recipient.
func (s *Service) OpenChannel(ctx context.Context, caller string, req OpenRequest) (ch *channels.Channel, err error) {
	ctx, done := s.begin(ctx, "open_channel", traces.Account(caller), traces.Counterparty(req.Recipient), traces.Amount(amount.Format(req.Value)))
	defer done(&err)

	sender, recipient, err := s.openParties(caller, req)
	if err != nil {
		return nil, err
	}
	err = s.mutate(ctx, "open_channel", []string{acctKey(sender), acctKey(recipient)}, nil, func(ctx context.Context, tx store.Tx) error {
		ch, err = s.open(ctx, tx, sender, recipient, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.channelOpened(ctx, ch)
	return ch, nil
}

// DepositAndOpen deposits deposit from the caller and opens a channel in
// the same transaction.
func (s *Service) DepositAndOpen(ctx context.Context, caller string, deposit *uint256.Int, req OpenRequest) (ch *channels.Channel, err error) {
	ctx, done := s.begin(ctx, "deposit_and_open", traces.Account(caller), traces.Counterparty(req.Recipient), traces.Amount(amount.Format(deposit)))
	defer done(&err)

	sender, recipient, err := s.openParties(caller, req)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(deposit); err != nil {
		return nil, err
	}

	comp := &compensation{undo: func(ctx context.Context) error {
		_, err := s.custody.PushTransferOut(ctx, sender, deposit)
		return err
	}}
	err = s.mutate(ctx, "deposit_and_open", []string{acctKey(sender), acctKey(recipient)}, comp, func(ctx context.Context, tx store.Tx) error {
		if _, _, err := s.engine.Deposit(ctx, tx, sender, deposit); err != nil {
			return err
		}
		comp.moved = true
		ch, err = s.open(ctx, tx, sender, recipient, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	valueMoved.WithLabelValues("deposit").Add(approx(deposit))
	s.committed(ctx, &realtime.Event{
		Type:     realtime.EventDeposit,
		Accounts: []string{sender},
		Data:     map[string]string{"account": sender, "amount": amount.Format(deposit)},
	})
	s.channelOpened(ctx, ch)
	return ch, nil
}

func (s *Service) openParties(caller string, req OpenRequest) (string, string, error) {
	sender, err := normalizeAccount(caller)
	if err != nil {
		return "", "", err
	}
	recipient, err := normalizeAccount(req.Recipient)
	if err != nil {
		return "", "", err
	}
	if err := checkAmount(req.Value); err != nil {
		return "", "", err
	}
	return sender, recipient, nil
}

func (s *Service) open(ctx context.Context, tx store.Tx, sender, recipient string, req OpenRequest) (*channels.Channel, error) {
	ch, err := s.engine.Open(ctx, tx, lifecycle.OpenParams{
		Sender:     sender,
		Recipient:  recipient,
		Value:      req.Value,
		Expiration: req.Expiration,
		ReplicaID:  req.ReplicaID,
	})
	if errors.Is(err, channels.ErrDuplicateChannel) {
		logging.L(ctx).Error("channel id collision", "sender", sender, "recipient", recipient, "replica_id", req.ReplicaID)
		return nil, fmt.Errorf("allocate channel: %v", err)
	}
	return ch, err
}

func (s *Service) channelOpened(ctx context.Context, ch *channels.Channel) {
	logging.L(ctx).Info("channel opened",
		"channel_id", ch.ID, "account", ch.Sender, "recipient", ch.Recipient,
		"value", amount.Format(ch.Value), "expiration", ch.Expiration)
	valueMoved.WithLabelValues("lock").Add(approx(ch.Value))
	s.committed(ctx, &realtime.Event{
		Type:      realtime.EventChannelOpened,
		Accounts:  []string{ch.Sender, ch.Recipient},
		ChannelID: ch.ID,
		Data:      ch.View(),
	})
}

// channelParties reads the channel's immutable parties and checks that
// caller is the one allowed to act. It returns the lock keys for the op.
func (s *Service) channelParties(ctx context.Context, caller, channelID string, asRecipient bool) (*channels.Channel, []string, error) {
	account, err := normalizeAccount(caller)
	if err != nil {
		return nil, nil, err
	}
	ch, err := s.store.Channel(ctx, strings.ToLower(channelID))
	if err != nil {
		return nil, nil, err
	}
	want := ch.Sender
	if asRecipient {
		want = ch.Recipient
	}
	if account != want {
		return nil, nil, ErrUnauthorized
	}
	return ch, []string{chanKey(ch.ID), acctKey(ch.Sender), acctKey(ch.Recipient)}, nil
}

// ChannelExtend adds req.Amount from the sender's balance to the channel,
// optionally pushing its expiration later. Only the sender may extend.
func (s *Service) ChannelExtend(ctx context.Context, caller string, req ExtendRequest) (ch *channels.Channel, err error) {
	ctx, done := s.begin(ctx, "channel_extend", traces.Account(caller), traces.ChannelID(req.ChannelID), traces.Amount(amount.Format(req.Amount)))
	defer done(&err)

	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}
	cur, keys, err := s.channelParties(ctx, caller, req.ChannelID, false)
	if err != nil {
		return nil, err
	}

	err = s.mutate(ctx, "channel_extend", keys, nil, func(ctx context.Context, tx store.Tx) error {
		ch, err = s.engine.Extend(ctx, tx, lifecycle.ExtendParams{
			ChannelID:     cur.ID,
			Amount:        req.Amount,
			NewExpiration: req.NewExpiration,
			ExpectedNonce: req.ExpectedNonce,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("channel extended",
		"channel_id", ch.ID, "account", ch.Sender, "amount", amount.Format(req.Amount), "nonce", ch.Nonce)
	valueMoved.WithLabelValues("lock").Add(approx(req.Amount))
	s.committed(ctx, &realtime.Event{
		Type:      realtime.EventChannelExtended,
		Accounts:  []string{ch.Sender, ch.Recipient},
		ChannelID: ch.ID,
		Data:      ch.View(),
	})
	return ch, nil
}

// ChannelClaim moves req.Amount from the channel to the recipient. The
// proof must authorize exactly (channel, nonce, amount) and the nonce must
// be the channel's current one. Only the recipient may claim.
func (s *Service) ChannelClaim(ctx context.Context, caller string, req ClaimRequest) (res *lifecycle.ClaimResult, err error) {
	ctx, done := s.begin(ctx, "channel_claim", traces.Account(caller), traces.ChannelID(req.ChannelID), traces.Amount(amount.Format(req.Amount)), traces.Nonce(req.Nonce))
	defer done(&err)

	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}
	cur, keys, err := s.channelParties(ctx, caller, req.ChannelID, true)
	if err != nil {
		return nil, err
	}
	if err := s.verifier.VerifyClaim(cur, req.Nonce, req.Amount, req.Proof); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}

	err = s.mutate(ctx, "channel_claim", keys, nil, func(ctx context.Context, tx store.Tx) error {
		res, err = s.engine.Claim(ctx, tx, lifecycle.ClaimParams{
			ChannelID: cur.ID,
			Amount:    req.Amount,
			Nonce:     req.Nonce,
			Sendback:  req.Sendback,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	ch := res.Channel
	logging.L(ctx).Info("channel claimed",
		"channel_id", ch.ID, "account", ch.Recipient, "amount", amount.Format(res.Claimed),
		"returned", amount.Format(res.Returned), "status", ch.Status)
	valueMoved.WithLabelValues("claim").Add(approx(res.Claimed))
	s.committed(ctx, &realtime.Event{
		Type:      realtime.EventChannelClaimed,
		Accounts:  []string{ch.Sender, ch.Recipient},
		ChannelID: ch.ID,
		Data: map[string]any{
			"channel":  ch.View(),
			"claimed":  amount.Format(res.Claimed),
			"returned": amount.Format(res.Returned),
		},
	})
	return res, nil
}

// ChannelReclaim returns an expired channel's remaining value to its
// sender and closes it. Only the sender may reclaim.
func (s *Service) ChannelReclaim(ctx context.Context, caller, channelID string) (res *ReclaimResult, err error) {
	ctx, done := s.begin(ctx, "channel_reclaim", traces.Account(caller), traces.ChannelID(channelID))
	defer done(&err)

	cur, keys, err := s.channelParties(ctx, caller, channelID, false)
	if err != nil {
		return nil, err
	}

	res = &ReclaimResult{}
	err = s.mutate(ctx, "channel_reclaim", keys, nil, func(ctx context.Context, tx store.Tx) error {
		res.Channel, res.Released, err = s.engine.Reclaim(ctx, tx, cur.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	ch := res.Channel
	logging.L(ctx).Info("channel reclaimed",
		"channel_id", ch.ID, "account", ch.Sender, "amount", amount.Format(res.Released))
	valueMoved.WithLabelValues("reclaim").Add(approx(res.Released))
	s.committed(ctx, &realtime.Event{
		Type:      realtime.EventChannelReclaimed,
		Accounts:  []string{ch.Sender, ch.Recipient},
		ChannelID: ch.ID,
		Data: map[string]any{
			"channel":  ch.View(),
			"released": amount.Format(res.Released),
		},
	})
	return res, nil
}

// GetBalance returns an account's committed unlocked balance.
func (s *Service) GetBalance(ctx context.Context, account string) (bal *uint256.Int, err error) {
	ctx, done := s.begin(ctx, "get_balance", traces.Account(account))
	defer done(&err)

	acct, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}
	return s.store.Balance(ctx, acct)
}

// GetChannel returns a committed channel record, open or closed.
func (s *Service) GetChannel(ctx context.Context, channelID string) (ch *channels.Channel, err error) {
	ctx, done := s.begin(ctx, "get_channel", traces.ChannelID(channelID))
	defer done(&err)

	return s.store.Channel(ctx, strings.ToLower(channelID))
}

// ListSenderChannels lazily enumerates the ids of every channel sender has
// opened, oldest first, starting at position from. Closed channels stay
// listed. The sequence pages through the store as it is consumed and can
// be restarted from any position.
func (s *Service) ListSenderChannels(ctx context.Context, sender string, from uint64) iter.Seq2[string, error] {
	acct, err := normalizeAccount(sender)
	if err != nil {
		return func(yield func(string, error) bool) {
			yield("", classify("list_sender_channels", err))
		}
	}
	return channels.ListBySender(ctx, s.store, acct, from, channels.DefaultPageSize)
}

// SenderChannelsPage returns up to limit+1 channel records of sender
// starting at position from; callers trim the extra one to detect more.
func (s *Service) SenderChannelsPage(ctx context.Context, sender string, from uint64, limit int) (out []*channels.Channel, err error) {
	ctx, done := s.begin(ctx, "list_sender_channels", traces.Account(sender))
	defer done(&err)

	acct, err := normalizeAccount(sender)
	if err != nil {
		return nil, err
	}
	ids, err := s.store.SenderChannels(ctx, acct, from, limit+1)
	if err != nil {
		return nil, err
	}
	out = make([]*channels.Channel, 0, len(ids))
	for _, id := range ids {
		ch, err := s.store.Channel(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load indexed channel %s: %w", id, err)
		}
		out = append(out, ch)
	}
	return out, nil
}

// Audit runs the conservation check with all mutations paused. A violation
// halts the service.
func (s *Service) Audit(ctx context.Context) (*audit.Result, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	res, err := s.auditor.Check(ctx)
	if res != nil {
		s.lastAudit.Store(res)
	}
	if errors.Is(err, audit.ErrViolation) {
		s.halt(ctx, err.Error())
	}
	return res, err
}

// LastAudit returns the most recent audit result, or nil.
func (s *Service) LastAudit() *audit.Result {
	return s.lastAudit.Load()
}
