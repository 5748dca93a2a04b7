package perp

import (
	"math/big"
	"sync"
)

// TransferGuard can veto an outgoing transfer. The vault installs one on its
// share token so locked shares cannot move, not even via a plain transfer.
type TransferGuard func(from string, amount *big.Int) error

// Token is a minimal fungible-token ledger: balances, allowances, supply.
// The engine uses one instance for the settlement asset and the vault uses
// another for its shares.
type Token struct {
	name     string
	symbol   string
	decimals uint8

	balances    map[string]*big.Int
	allowances  map[string]map[string]*big.Int
	totalSupply *big.Int

	guard TransferGuard
	mu    sync.RWMutex
}

// NewToken creates an empty token ledger.
func NewToken(name, symbol string, decimals uint8) *Token {
	return &Token{
		name:        name,
		symbol:      symbol,
		decimals:    decimals,
		balances:    make(map[string]*big.Int),
		allowances:  make(map[string]map[string]*big.Int),
		totalSupply: new(big.Int),
	}
}

// Name returns the token name.
func (t *Token) Name() string { return t.name }

// Symbol returns the token symbol.
func (t *Token) Symbol() string { return t.symbol }

// Decimals returns the token decimal count.
func (t *Token) Decimals() uint8 { return t.decimals }

// SetTransferGuard installs a veto hook for outgoing transfers.
func (t *Token) SetTransferGuard(g TransferGuard) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.guard = g
}

// TotalSupply returns the current supply.
func (t *Token) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return clone(t.totalSupply)
}

// BalanceOf returns the balance of addr.
func (t *Token) BalanceOf(addr string) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return clone(t.balances[addr])
}

// Allowance returns how much spender may move out of owner.
func (t *Token) Allowance(owner, spender string) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m := t.allowances[owner]; m != nil {
		return clone(m[spender])
	}
	return new(big.Int)
}

// Mint credits amount to addr and grows supply.
func (t *Token) Mint(addr string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrWrongParams
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(addr, amount)
	t.totalSupply.Add(t.totalSupply, amount)
	return nil
}

// Burn debits amount from addr and shrinks supply.
func (t *Token) Burn(addr string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrWrongParams
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.debit(addr, amount); err != nil {
		return err
	}
	t.totalSupply.Sub(t.totalSupply, amount)
	return nil
}

// Approve lets spender move up to amount out of owner.
func (t *Token) Approve(owner, spender string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.allowances[owner]
	if m == nil {
		m = make(map[string]*big.Int)
		t.allowances[owner] = m
	}
	m[spender] = clone(amount)
}

// Transfer moves amount from from to to, subject to the transfer guard.
// The guard runs outside the ledger lock so it may read balances back.
func (t *Token) Transfer(from, to string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrWrongParams
	}
	if g := t.guardFn(); g != nil {
		if err := g(from, amount); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.debit(from, amount); err != nil {
		return err
	}
	t.credit(to, amount)
	return nil
}

// TransferFrom moves amount from owner to to using spender's allowance.
func (t *Token) TransferFrom(spender, owner, to string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrWrongParams
	}
	if g := t.guardFn(); g != nil {
		if err := g(owner, amount); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.allowances[owner]
	if m == nil || m[spender] == nil || m[spender].Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := t.debit(owner, amount); err != nil {
		return err
	}
	m[spender] = new(big.Int).Sub(m[spender], amount)
	t.credit(to, amount)
	return nil
}

func (t *Token) guardFn() TransferGuard {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.guard
}

func (t *Token) credit(addr string, amount *big.Int) {
	if b := t.balances[addr]; b != nil {
		b.Add(b, amount)
		return
	}
	t.balances[addr] = clone(amount)
}

func (t *Token) debit(addr string, amount *big.Int) error {
	b := t.balances[addr]
	if b == nil || b.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	b.Sub(b, amount)
	return nil
}
