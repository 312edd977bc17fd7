package channels

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/prometheus/client_golang/prometheus"
)

var duplicateIDs = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "mpescrow",
	Subsystem: "channels",
	Name:      "duplicate_ids_total",
	Help:      "Channel id collisions detected at allocation. Any non-zero value is a configuration bug.",
})

func init() {
	prometheus.MustRegister(duplicateIDs)
}

// MaxNonce is the last nonce a channel can reach; stores keep nonces in a
// signed 64-bit column.
const MaxNonce = math.MaxInt64

// Table is the transactional channel storage a Registry mutates.
// Channel must lock the row for the rest of the transaction where the
// backend supports it.
type Table interface {
	NextChannelSeq(ctx context.Context) (uint64, error)
	InsertChannel(ctx context.Context, ch *Channel) error
	Channel(ctx context.Context, id string) (*Channel, error)
	UpdateChannel(ctx context.Context, ch *Channel) error
	AppendSenderChannel(ctx context.Context, sender, channelID string) error
}

// Allocation describes a channel to create. Value must already have been
// debited from the sender.
type Allocation struct {
	Sender     string
	Recipient  string
	Value      *uint256.Int
	Expiration int64
	ReplicaID  string
}

// Delta is a signed change to a channel's value.
type Delta struct {
	Amount   *uint256.Int
	Decrease bool
}

// Increase returns a positive delta.
func Increase(a *uint256.Int) Delta { return Delta{Amount: a} }

// Decrease returns a negative delta.
func Decrease(a *uint256.Int) Delta { return Delta{Amount: a, Decrease: true} }

// Registry applies guarded mutations to channel records in one Table.
type Registry struct {
	table  Table
	domain Domain
	clock  func() time.Time
}

// NewRegistry binds a Registry to a table.
func NewRegistry(table Table, domain Domain) *Registry {
	return &Registry{table: table, domain: domain, clock: time.Now}
}

// Allocate creates an open channel and appends it to the sender's index.
// now is the current logical time; expiration must be strictly after it.
func (r *Registry) Allocate(ctx context.Context, a Allocation, now int64) (*Channel, error) {
	if a.Expiration <= now {
		return nil, ErrInvalidExpiration
	}
	seq, err := r.table.NextChannelSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("channels: next sequence: %w", err)
	}

	id := DeriveID(r.domain, common.HexToAddress(a.Sender), common.HexToAddress(a.Recipient), a.ReplicaID, seq)
	ts := r.clock().UTC()
	ch := &Channel{
		ID:         id,
		Seq:        seq,
		Sender:     a.Sender,
		Recipient:  a.Recipient,
		Value:      amount.Clone(a.Value),
		Expiration: a.Expiration,
		ReplicaID:  a.ReplicaID,
		Status:     StatusOpen,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	if err := r.table.InsertChannel(ctx, ch); err != nil {
		if errors.Is(err, ErrDuplicateChannel) {
			duplicateIDs.Inc()
		}
		return nil, err
	}
	if err := r.table.AppendSenderChannel(ctx, a.Sender, id); err != nil {
		return nil, fmt.Errorf("channels: index %s: %w", id, err)
	}
	return ch.Clone(), nil
}

// Get returns a channel record, open or closed.
func (r *Registry) Get(ctx context.Context, id string) (*Channel, error) {
	ch, err := r.table.Channel(ctx, id)
	if err != nil {
		return nil, err
	}
	return ch.Clone(), nil
}

// MutateValue applies delta when expectedNonce matches the current nonce
// and returns the updated record; its Nonce is the new nonce.
func (r *Registry) MutateValue(ctx context.Context, id string, delta Delta, expectedNonce uint64) (*Channel, error) {
	ch, err := r.table.Channel(ctx, id)
	if err != nil {
		return nil, err
	}
	ch = ch.Clone()
	if ch.IsClosed() {
		return nil, ErrAlreadyClosed
	}
	if ch.Nonce != expectedNonce {
		return nil, ErrNonceMismatch
	}
	if ch.Nonce >= MaxNonce {
		return nil, ErrOverflow
	}

	if delta.Decrease {
		next, err := amount.Sub(ch.Value, delta.Amount)
		if err != nil {
			return nil, ErrUnderflow
		}
		ch.Value = next
	} else {
		next, err := amount.Add(ch.Value, delta.Amount)
		if err != nil {
			return nil, ErrOverflow
		}
		ch.Value = next
	}
	ch.Nonce++
	ch.UpdatedAt = r.clock().UTC()

	if err := r.table.UpdateChannel(ctx, ch); err != nil {
		return nil, fmt.Errorf("channels: update %s: %w", id, err)
	}
	return ch.Clone(), nil
}

// SetExpiration moves a channel's expiration later. Shortening is rejected.
func (r *Registry) SetExpiration(ctx context.Context, id string, expiration int64) (*Channel, error) {
	ch, err := r.table.Channel(ctx, id)
	if err != nil {
		return nil, err
	}
	ch = ch.Clone()
	if ch.IsClosed() {
		return nil, ErrAlreadyClosed
	}
	if expiration < ch.Expiration {
		return nil, ErrInvalidExpiration
	}
	ch.Expiration = expiration
	ch.UpdatedAt = r.clock().UTC()
	if err := r.table.UpdateChannel(ctx, ch); err != nil {
		return nil, fmt.Errorf("channels: update %s: %w", id, err)
	}
	return ch.Clone(), nil
}

// Close moves the channel to its terminal state, zeroing its value, and
// returns the value that was still locked. The caller must credit it.
func (r *Registry) Close(ctx context.Context, id string, reason CloseReason) (*Channel, *uint256.Int, error) {
	ch, err := r.table.Channel(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch = ch.Clone()
	if ch.IsClosed() {
		return nil, nil, ErrAlreadyClosed
	}
	released := amount.Clone(ch.Value)
	ch.Value = amount.Zero()
	ch.Status = StatusClosed
	ch.CloseReason = reason
	ch.UpdatedAt = r.clock().UTC()
	if err := r.table.UpdateChannel(ctx, ch); err != nil {
		return nil, nil, fmt.Errorf("channels: close %s: %w", id, err)
	}
	return ch.Clone(), released, nil
}
