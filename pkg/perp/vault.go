package perp

import (
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// VaultAccount is the token account holding the vault's assets.
const VaultAccount = "vault"

// VaultConfig bounds the vault's share issuance.
type VaultConfig struct {
	ShareName    string
	ShareSymbol  string
	LockDuration time.Duration
}

// DefaultVaultConfig returns the production vault settings.
func DefaultVaultConfig() VaultConfig {
	return VaultConfig{
		ShareName:    "PairEx LP",
		ShareSymbol:  "PLP",
		LockDuration: 72 * time.Hour,
	}
}

// LockEntry records shares minted by one deposit and when they unlock.
type LockEntry struct {
	ID        uint64
	Shares    *big.Int
	CreatedAt time.Time
	Duration  time.Duration
}

type vaultRequest struct {
	id        uint64
	trader    string
	amount    *big.Int // asset amount for deposits, shares for withdrawals
	withdraw  bool
	createdAt time.Time
}

// Vault is the liquidity pool backing trader PnL. Depositors receive shares
// priced off NAV = totalAssets - uPnL, where uPnL is the traders' aggregate
// unrealized profit (trader profit is vault loss). Deposits and withdrawals
// are two-phase: the owner applies, then the uPnL feed settles the request
// with a verified uPnL figure. Freshly minted shares are time-locked and
// locked shares cannot move, not even via plain share transfers.
type Vault struct {
	cfg      VaultConfig
	usdt     *Token
	shares   *Token
	auth     Authorizer
	verifier UpnlVerifier
	sink     EventSink
	log      log.Logger

	totalAssets *big.Int
	locks       map[string][]*LockEntry
	nextLockID  uint64

	requests        map[uint64]*vaultRequest
	pendingDeposit  map[string]uint64
	pendingWithdraw map[string]uint64
	nextRequestID   uint64

	clock func() time.Time
	mu    sync.Mutex
}

// NewVault creates a vault holding assets in usdt and issuing its own share
// token. The transfer guard on the share token enforces the lock rule. The
// sink may be nil.
func NewVault(cfg VaultConfig, usdt *Token, auth Authorizer, verifier UpnlVerifier, sink EventSink, logger log.Logger) *Vault {
	if sink == nil {
		sink = NopSink{}
	}
	v := &Vault{
		cfg:             cfg,
		usdt:            usdt,
		shares:          NewToken(cfg.ShareName, cfg.ShareSymbol, 6),
		auth:            auth,
		verifier:        verifier,
		sink:            sink,
		log:             logger,
		totalAssets:     new(big.Int),
		locks:           make(map[string][]*LockEntry),
		requests:        make(map[uint64]*vaultRequest),
		pendingDeposit:  make(map[string]uint64),
		pendingWithdraw: make(map[string]uint64),
		clock:           time.Now,
	}
	v.shares.SetTransferGuard(v.guardTransfer)
	return v
}

// Shares exposes the share token for balance queries and transfers.
func (v *Vault) Shares() *Token { return v.shares }

// TotalAssets returns the asset balance backing the shares.
func (v *Vault) TotalAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return clone(v.totalAssets)
}

// TotalSupply returns the outstanding share supply.
func (v *Vault) TotalSupply() *big.Int { return v.shares.TotalSupply() }

// BalanceOf returns addr's share balance.
func (v *Vault) BalanceOf(addr string) *big.Int { return v.shares.BalanceOf(addr) }

// UnlockedBalanceOf returns addr's share balance minus unexpired locks.
func (v *Vault) UnlockedBalanceOf(addr string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unlockedLocked(addr)
}

// MaxWithdrawable is the share amount addr could apply to withdraw now.
func (v *Vault) MaxWithdrawable(addr string) *big.Int {
	return v.UnlockedBalanceOf(addr)
}

// LockEntriesOf returns addr's outstanding lock entries, oldest first.
func (v *Vault) LockEntriesOf(addr string) []LockEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]LockEntry, 0, len(v.locks[addr]))
	for _, e := range v.locks[addr] {
		out = append(out, LockEntry{ID: e.ID, Shares: clone(e.Shares), CreatedAt: e.CreatedAt, Duration: e.Duration})
	}
	return out
}

// ApplyDeposit opens a deposit request for trader. One outstanding deposit
// per address; the asset transfer happens at settlement, so the trader needs
// balance and allowance then, not now.
func (v *Vault) ApplyDeposit(trader string, amount *big.Int) (uint64, error) {
	if isZero(amount) || amount.Sign() < 0 {
		return 0, ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.pendingDeposit[trader]; ok {
		return 0, ErrAlreadyApplied
	}
	id := v.newRequest(trader, amount, false)
	v.pendingDeposit[trader] = id
	v.sink.Publish(VaultDepositApplied{RequestID: id, Trader: trader, Assets: clone(amount)})
	return id, nil
}

// ApplyWithdraw opens a withdrawal request for trader's shares. One
// outstanding withdrawal per address, and only unlocked shares may be
// requested.
func (v *Vault) ApplyWithdraw(trader string, shares *big.Int) (uint64, error) {
	if isZero(shares) || shares.Sign() < 0 {
		return 0, ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.pendingWithdraw[trader]; ok {
		return 0, ErrAlreadyApplied
	}
	if shares.Cmp(v.unlockedLocked(trader)) > 0 {
		return 0, ErrInsufficientUnlocked
	}
	id := v.newRequest(trader, shares, true)
	v.pendingWithdraw[trader] = id
	v.sink.Publish(VaultWithdrawApplied{RequestID: id, Trader: trader, Shares: clone(shares)})
	return id, nil
}

// CancelApply drops an unsettled request. Only the owner may cancel.
func (v *Vault) CancelApply(trader string, requestID uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if r.trader != trader {
		return ErrNotOwner
	}
	v.dropRequest(r)
	v.sink.Publish(VaultApplyCanceled{RequestID: requestID, Trader: trader, Withdraw: r.withdraw})
	return nil
}

// RunDeposit settles a deposit request: the uPnL feed supplies the traders'
// aggregate unrealized profit with its proof, the asset amount moves in and
// shares are minted at NAV, time-locked for the configured duration.
func (v *Vault) RunDeposit(caller string, requestID uint64, upnl *big.Int, proof []byte) (*big.Int, error) {
	if !v.auth.Authorize(caller, ActFeedUpnl) {
		return nil, ErrNotFeedAddress
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.requests[requestID]
	if !ok || r.withdraw {
		return nil, ErrRequestNotFound
	}
	if !v.verifier.Verify(upnl, proof) {
		return nil, ErrUpnlVerifyFailed
	}
	minted, err := v.sharesForDeposit(r.amount, upnl)
	if err != nil {
		return nil, err
	}
	if err := v.usdt.TransferFrom(VaultAccount, r.trader, VaultAccount, r.amount); err != nil {
		return nil, err
	}
	if err := v.shares.Mint(r.trader, minted); err != nil {
		return nil, err
	}
	v.totalAssets.Add(v.totalAssets, r.amount)
	v.nextLockID++
	v.locks[r.trader] = append(v.locks[r.trader], &LockEntry{
		ID:        v.nextLockID,
		Shares:    clone(minted),
		CreatedAt: v.clock(),
		Duration:  v.cfg.LockDuration,
	})
	v.dropRequest(r)
	v.sink.Publish(VaultDepositSettled{
		RequestID: requestID,
		Trader:    r.trader,
		Assets:    clone(r.amount),
		Shares:    clone(minted),
	})
	v.log.Info("vault deposit settled", "trader", r.trader,
		"assets", r.amount.String(), "shares", minted.String())
	return minted, nil
}

// RunWithdraw settles a withdrawal request: shares burn at NAV and the asset
// payout leaves the vault. Consumed lock bookkeeping drops oldest-first.
func (v *Vault) RunWithdraw(caller string, requestID uint64, upnl *big.Int, proof []byte) (*big.Int, error) {
	if !v.auth.Authorize(caller, ActFeedUpnl) {
		return nil, ErrNotFeedAddress
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.requests[requestID]
	if !ok || !r.withdraw {
		return nil, ErrRequestNotFound
	}
	if !v.verifier.Verify(upnl, proof) {
		return nil, ErrUpnlVerifyFailed
	}
	if r.amount.Cmp(v.unlockedLocked(r.trader)) > 0 {
		return nil, ErrInsufficientUnlocked
	}
	supply := v.shares.TotalSupply()
	if supply.Sign() == 0 {
		return nil, ErrInsufficientShares
	}
	nav, err := v.nav(upnl)
	if err != nil {
		return nil, err
	}
	payout := mulDiv(r.amount, nav, supply)
	// The asset payout moves first: when NAV exceeds the vault's holdings the
	// transfer fails and the request stays pending with no shares burned. The
	// burn after it cannot fail, the unlocked check bounds it by the balance.
	if err := v.usdt.Transfer(VaultAccount, r.trader, payout); err != nil {
		return nil, err
	}
	if err := v.shares.Burn(r.trader, r.amount); err != nil {
		return nil, err
	}
	v.totalAssets.Sub(v.totalAssets, payout)
	v.consumeLocks(r.trader, r.amount)
	v.dropRequest(r)
	v.sink.Publish(VaultWithdrawSettled{
		RequestID: requestID,
		Trader:    r.trader,
		Shares:    clone(r.amount),
		Assets:    clone(payout),
	})
	v.log.Info("vault withdrawal settled", "trader", r.trader,
		"shares", r.amount.String(), "assets", payout.String())
	return payout, nil
}

// ReceiveAssets moves realized trader losses from escrow into the vault.
// PnL-handler only.
func (v *Vault) ReceiveAssets(caller, from string, amount *big.Int) error {
	if !v.auth.Authorize(caller, ActHandlePnl) {
		return ErrUnauthorized
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.usdt.Transfer(from, VaultAccount, amount); err != nil {
		return err
	}
	v.totalAssets.Add(v.totalAssets, amount)
	return nil
}

// SendAssets funds realized trader profits out of the vault. PnL-handler
// only.
func (v *Vault) SendAssets(caller, to string, amount *big.Int) error {
	if !v.auth.Authorize(caller, ActHandlePnl) {
		return ErrUnauthorized
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.usdt.Transfer(VaultAccount, to, amount); err != nil {
		return err
	}
	v.totalAssets.Sub(v.totalAssets, amount)
	return nil
}

// nav returns totalAssets minus uPnL; positive trader profit is a vault
// loss. A non-positive NAV with outstanding supply cannot price shares.
func (v *Vault) nav(upnl *big.Int) (*big.Int, error) {
	nav := new(big.Int).Sub(v.totalAssets, clone(upnl))
	if nav.Sign() <= 0 {
		return nil, ErrWrongParams
	}
	return nav, nil
}

// sharesForDeposit prices a deposit: 1:1 at zero supply, amount x supply /
// NAV otherwise.
func (v *Vault) sharesForDeposit(amount, upnl *big.Int) (*big.Int, error) {
	supply := v.shares.TotalSupply()
	if supply.Sign() == 0 {
		return clone(amount), nil
	}
	nav, err := v.nav(upnl)
	if err != nil {
		return nil, err
	}
	return mulDiv(amount, supply, nav), nil
}

func (v *Vault) newRequest(trader string, amount *big.Int, withdraw bool) uint64 {
	v.nextRequestID++
	v.requests[v.nextRequestID] = &vaultRequest{
		id:        v.nextRequestID,
		trader:    trader,
		amount:    clone(amount),
		withdraw:  withdraw,
		createdAt: v.clock(),
	}
	return v.nextRequestID
}

func (v *Vault) dropRequest(r *vaultRequest) {
	delete(v.requests, r.id)
	if r.withdraw {
		delete(v.pendingWithdraw, r.trader)
	} else {
		delete(v.pendingDeposit, r.trader)
	}
}

// unlockedLocked computes addr's unlocked share balance. Caller holds v.mu.
func (v *Vault) unlockedLocked(addr string) *big.Int {
	now := v.clock()
	locked := new(big.Int)
	for _, e := range v.locks[addr] {
		if now.Before(e.CreatedAt.Add(e.Duration)) {
			locked.Add(locked, e.Shares)
		}
	}
	bal := v.shares.BalanceOf(addr)
	if bal.Cmp(locked) <= 0 {
		return new(big.Int)
	}
	return bal.Sub(bal, locked)
}

// consumeLocks retires expired lock entries oldest-first to cover a
// withdrawal of the given share amount. Caller holds v.mu.
func (v *Vault) consumeLocks(addr string, amount *big.Int) {
	now := v.clock()
	remaining := clone(amount)
	entries := v.locks[addr]
	kept := entries[:0]
	for _, e := range entries {
		if remaining.Sign() > 0 && !now.Before(e.CreatedAt.Add(e.Duration)) {
			if e.Shares.Cmp(remaining) <= 0 {
				remaining.Sub(remaining, e.Shares)
				continue
			}
			e.Shares = new(big.Int).Sub(e.Shares, remaining)
			remaining.SetInt64(0)
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(v.locks, addr)
		return
	}
	v.locks[addr] = kept
}

// guardTransfer vetoes share movements exceeding the sender's unlocked
// balance. Installed as the share token's transfer guard.
func (v *Vault) guardTransfer(from string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if amount.Cmp(v.unlockedLocked(from)) > 0 {
		return ErrInsufficientUnlocked
	}
	return nil
}
