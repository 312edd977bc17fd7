package store

import (
	"context"
	"sync"

	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/amount"
	"github.com/mbd888/mpescrow/internal/channels"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
//
// Transactions buffer their writes and apply them in one critical section
// at commit, so readers never observe a partial transaction. Commit fails
// with ErrConflict if any key the transaction read was changed by another
// transaction in the meantime.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*uint256.Int
	channels map[string]*channels.Channel
	index    map[string][]string
	versions map[string]uint64 // "b:"+account, "c:"+channel id
	seq      uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*uint256.Int),
		channels: make(map[string]*channels.Channel),
		index:    make(map[string][]string),
		versions: make(map[string]uint64),
	}
}

func balanceKey(account string) string { return "b:" + account }
func channelKey(id string) string      { return "c:" + id }

// Atomic runs fn against a buffered transaction and applies its writes on success.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{
		store:    m,
		reads:    make(map[string]uint64),
		balances: make(map[string]*uint256.Int),
		channels: make(map[string]*channels.Channel),
		inserted: make(map[string]bool),
	}
	defer func() { tx.done = true }()

	// A cancelled ctx stops the transaction before it starts. Once fn has
	// returned cleanly the writes commit, like a postgres COMMIT that was
	// already sent.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (m *MemoryStore) Balance(_ context.Context, account string) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return amount.Clone(m.balances[account]), nil
}

func (m *MemoryStore) Channel(_ context.Context, id string) (*channels.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, channels.ErrNotFound
	}
	return ch.Clone(), nil
}

func (m *MemoryStore) SenderChannels(_ context.Context, sender string, from uint64, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.index[sender]
	if from >= uint64(len(ids)) {
		return nil, nil
	}
	end := len(ids)
	if limit > 0 && int(from)+limit < end {
		end = int(from) + limit
	}
	out := make([]string, end-int(from))
	copy(out, ids[from:end])
	return out, nil
}

func (m *MemoryStore) Totals(_ context.Context) (Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := Totals{Balances: amount.Zero(), Locked: amount.Zero()}
	for _, b := range m.balances {
		next, err := amount.Add(t.Balances, b)
		if err != nil {
			return Totals{}, err
		}
		t.Balances = next
		t.Accounts++
	}
	for _, ch := range m.channels {
		if ch.IsClosed() {
			continue
		}
		next, err := amount.Add(t.Locked, ch.Value)
		if err != nil {
			return Totals{}, err
		}
		t.Locked = next
		t.OpenChannels++
	}
	return t, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// memoryTx buffers writes for one Atomic call.
type memoryTx struct {
	store    *MemoryStore
	reads    map[string]uint64 // key → version at first read
	balances map[string]*uint256.Int
	channels map[string]*channels.Channel
	inserted map[string]bool
	appends  []indexAppend
	done     bool
}

type indexAppend struct {
	sender string
	id     string
}

func (tx *memoryTx) observe(key string) {
	if _, ok := tx.reads[key]; !ok {
		tx.reads[key] = tx.store.versions[key]
	}
}

func (tx *memoryTx) Balance(_ context.Context, account string) (*uint256.Int, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if b, ok := tx.balances[account]; ok {
		return b.Clone(), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	tx.observe(balanceKey(account))
	return amount.Clone(tx.store.balances[account]), nil
}

func (tx *memoryTx) SetBalance(_ context.Context, account string, balance *uint256.Int) error {
	if tx.done {
		return ErrTxDone
	}
	tx.balances[account] = balance.Clone()
	return nil
}

func (tx *memoryTx) NextChannelSeq(context.Context) (uint64, error) {
	if tx.done {
		return 0, ErrTxDone
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	// Sequence numbers are never reused, even if this transaction rolls back.
	tx.store.seq++
	return tx.store.seq, nil
}

func (tx *memoryTx) InsertChannel(_ context.Context, ch *channels.Channel) error {
	if tx.done {
		return ErrTxDone
	}
	if _, ok := tx.channels[ch.ID]; ok {
		return channels.ErrDuplicateChannel
	}
	tx.store.mu.RLock()
	_, exists := tx.store.channels[ch.ID]
	tx.store.mu.RUnlock()
	if exists {
		return channels.ErrDuplicateChannel
	}
	tx.channels[ch.ID] = ch.Clone()
	tx.inserted[ch.ID] = true
	return nil
}

func (tx *memoryTx) Channel(_ context.Context, id string) (*channels.Channel, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if ch, ok := tx.channels[id]; ok {
		return ch.Clone(), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	tx.observe(channelKey(id))
	ch, ok := tx.store.channels[id]
	if !ok {
		return nil, channels.ErrNotFound
	}
	return ch.Clone(), nil
}

func (tx *memoryTx) UpdateChannel(ctx context.Context, ch *channels.Channel) error {
	if tx.done {
		return ErrTxDone
	}
	if _, err := tx.Channel(ctx, ch.ID); err != nil {
		return err
	}
	tx.channels[ch.ID] = ch.Clone()
	return nil
}

func (tx *memoryTx) AppendSenderChannel(_ context.Context, sender, channelID string) error {
	if tx.done {
		return ErrTxDone
	}
	tx.appends = append(tx.appends, indexAppend{sender: sender, id: channelID})
	return nil
}

func (tx *memoryTx) commit() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, v := range tx.reads {
		if s.versions[key] != v {
			return ErrConflict
		}
	}
	for id := range tx.inserted {
		if _, exists := s.channels[id]; exists {
			return channels.ErrDuplicateChannel
		}
	}

	for account, b := range tx.balances {
		s.balances[account] = b
		s.versions[balanceKey(account)]++
	}
	for id, ch := range tx.channels {
		s.channels[id] = ch
		s.versions[channelKey(id)]++
	}
	for _, a := range tx.appends {
		s.index[a.sender] = append(s.index[a.sender], a.id)
	}
	return nil
}
