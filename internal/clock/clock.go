// Package clock supplies the logical time that channel expirations are
// measured against, in unix seconds.
package clock

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// Clock reports the current logical time.
type Clock interface {
	Now(ctx context.Context) (int64, error)
}

// System is wall-clock time.
type System struct{}

func (System) Now(context.Context) (int64, error) {
	return time.Now().Unix(), nil
}

// Manual is a settable clock for tests and simulations.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual returns a Manual clock starting at now.
func NewManual(now int64) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now, nil
}

// Set moves the clock to t.
func (m *Manual) Set(t int64) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d seconds.
func (m *Manual) Advance(d int64) {
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}

// HeaderReader is the subset of ethclient.Client Block needs.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Block uses the timestamp of the latest chain head, so expirations follow
// the same time the custody token's chain sees.
type Block struct {
	client HeaderReader
}

// NewBlock creates a chain-head clock.
func NewBlock(client HeaderReader) *Block {
	return &Block{client: client}
}

func (b *Block) Now(ctx context.Context) (int64, error) {
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("clock: latest header: %w", err)
	}
	return int64(head.Time), nil
}
