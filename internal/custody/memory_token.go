package custody

import (
	"context"
	"strings"
	"sync"

	"github.com/holiman/uint256"
	"github.com/mbd888/mpescrow/internal/amount"
)

// Token is an in-process fungible token with ERC20 semantics: balances,
// allowances, transfer and transferFrom. It backs the development server
// and tests. Addresses are compared case-insensitively.
type Token struct {
	mu         sync.Mutex
	balances   map[string]*uint256.Int
	allowances map[string]map[string]*uint256.Int // owner → spender → amount
	blocked    map[string]bool
}

// NewToken creates an empty token.
func NewToken() *Token {
	return &Token{
		balances:   make(map[string]*uint256.Int),
		allowances: make(map[string]map[string]*uint256.Int),
		blocked:    make(map[string]bool),
	}
}

func key(addr string) string { return strings.ToLower(addr) }

// Mint creates amt tokens at addr.
func (t *Token) Mint(addr string, amt *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := amount.Add(amount.Clone(t.balances[key(addr)]), amt)
	if err != nil {
		return err
	}
	t.balances[key(addr)] = next
	return nil
}

// Approve sets spender's allowance over owner's tokens.
func (t *Token) Approve(owner, spender string, amt *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[key(owner)] == nil {
		t.allowances[key(owner)] = make(map[string]*uint256.Int)
	}
	t.allowances[key(owner)][key(spender)] = amount.Clone(amt)
}

// Block makes every transfer to or from addr fail, like a token-level
// blocklist. Unblock reverses it.
func (t *Token) Block(addr string) {
	t.mu.Lock()
	t.blocked[key(addr)] = true
	t.mu.Unlock()
}

func (t *Token) Unblock(addr string) {
	t.mu.Lock()
	delete(t.blocked, key(addr))
	t.mu.Unlock()
}

// BalanceOf returns addr's token balance.
func (t *Token) BalanceOf(addr string) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return amount.Clone(t.balances[key(addr)])
}

// Allowance returns spender's remaining allowance over owner's tokens.
func (t *Token) Allowance(owner, spender string) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return amount.Clone(t.allowances[key(owner)][key(spender)])
}

// Transfer moves amt from from to to.
func (t *Token) Transfer(from, to string, amt *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amt)
}

// TransferFrom moves amt from from to to on spender's allowance.
func (t *Token) TransferFrom(spender, from, to string, amt *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := amount.Clone(t.allowances[key(from)][key(spender)])
	left, err := amount.Sub(allowed, amt)
	if err != nil {
		return ErrInsufficientAllowance
	}
	if err := t.move(from, to, amt); err != nil {
		return err
	}
	if t.allowances[key(from)] == nil {
		t.allowances[key(from)] = make(map[string]*uint256.Int)
	}
	t.allowances[key(from)][key(spender)] = left
	return nil
}

// move transfers under t.mu.
func (t *Token) move(from, to string, amt *uint256.Int) error {
	if t.blocked[key(from)] || t.blocked[key(to)] {
		return ErrTransferFailed
	}
	src, err := amount.Sub(amount.Clone(t.balances[key(from)]), amt)
	if err != nil {
		return ErrInsufficientFunds
	}
	if key(from) == key(to) {
		return nil
	}
	dst, err := amount.Add(amount.Clone(t.balances[key(to)]), amt)
	if err != nil {
		return ErrTransferFailed
	}
	t.balances[key(from)] = src
	t.balances[key(to)] = dst
	return nil
}

// MemoryAdapter is an Adapter over a Token held by one custody address.
type MemoryAdapter struct {
	token   *Token
	address string
}

var _ Adapter = (*MemoryAdapter)(nil)

// NewMemoryAdapter binds custody to address on token.
func NewMemoryAdapter(token *Token, address string) *MemoryAdapter {
	return &MemoryAdapter{token: token, address: key(address)}
}

func (m *MemoryAdapter) Address() string { return m.address }

// Token exposes the underlying token for funding accounts in tests and demos.
func (m *MemoryAdapter) Token() *Token { return m.token }

func (m *MemoryAdapter) PullTransferIn(_ context.Context, from string, amt *uint256.Int) (*Receipt, error) {
	if err := m.token.TransferFrom(m.address, from, m.address, amt); err != nil {
		return nil, &TransferError{Op: "transferFrom", Err: err}
	}
	return &Receipt{}, nil
}

func (m *MemoryAdapter) PushTransferOut(_ context.Context, to string, amt *uint256.Int) (*Receipt, error) {
	if err := m.token.Transfer(m.address, to, amt); err != nil {
		return nil, &TransferError{Op: "transfer", Err: err}
	}
	return &Receipt{}, nil
}

func (m *MemoryAdapter) CustodyBalance(context.Context) (*uint256.Int, error) {
	return m.token.BalanceOf(m.address), nil
}
