// Package channels is the Channel Registry: channel records, identity
// derivation and the per-sender channel index.
//
// A channel locks value drawn from its sender's unlocked balance until the
// recipient claims it or the sender reclaims it after expiration:
//
//	open ──extend/claim──▶ open ──claim to zero / reclaim / sendback──▶ closed
//
// Closed is terminal. Closed records are kept (value zero) and stay listed
// in the sender index.
package channels

import (
	"errors"
	"time"

	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/amount"
)

var (
	ErrNotFound          = errors.New("channels: not found")
	ErrDuplicateChannel  = errors.New("channels: duplicate channel id")
	ErrInvalidExpiration = errors.New("channels: invalid expiration")
	ErrNonceMismatch     = errors.New("channels: nonce mismatch")
	ErrUnderflow         = errors.New("channels: value underflow")
	ErrOverflow          = errors.New("channels: value overflow")
	ErrAlreadyClosed     = errors.New("channels: already closed")
)

// Status represents the state of a channel.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// CloseReason records which transition closed a channel.
type CloseReason string

const (
	CloseClaimed   CloseReason = "claimed"   // recipient claimed the full value
	CloseReclaimed CloseReason = "reclaimed" // sender reclaimed after expiration
	CloseSendback  CloseReason = "sendback"  // recipient claimed and returned the rest
)

// Channel is one unilateral, renewable escrow lock from Sender to Recipient.
type Channel struct {
	ID          string
	Seq         uint64
	Sender      string
	Recipient   string
	Value       *uint256.Int
	Expiration  int64 // logical time, unix seconds
	ReplicaID   string
	Nonce       uint64
	Status      Status
	CloseReason CloseReason
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsClosed reports whether the channel is in its terminal state.
func (c *Channel) IsClosed() bool {
	return c.Status == StatusClosed
}

// Clone returns a deep copy.
func (c *Channel) Clone() *Channel {
	cp := *c
	cp.Value = amount.Clone(c.Value)
	return &cp
}

// View is the wire representation of a channel.
type View struct {
	ID          string      `json:"id"`
	Sender      string      `json:"sender"`
	Recipient   string      `json:"recipient"`
	Value       string      `json:"value"`
	Expiration  int64       `json:"expiration"`
	ReplicaID   string      `json:"replicaId"`
	Nonce       uint64      `json:"nonce"`
	Status      Status      `json:"status"`
	CloseReason CloseReason `json:"closeReason,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// View converts the record for JSON responses and events.
func (c *Channel) View() View {
	return View{
		ID:          c.ID,
		Sender:      c.Sender,
		Recipient:   c.Recipient,
		Value:       amount.Format(c.Value),
		Expiration:  c.Expiration,
		ReplicaID:   c.ReplicaID,
		Nonce:       c.Nonce,
		Status:      c.Status,
		CloseReason: c.CloseReason,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}
