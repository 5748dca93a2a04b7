package perp

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) (*Vault, *Token, *KeyedVerifier) {
	t.Helper()
	roles := NewRoleSet(govAddr, feedAddr, engineAddr)
	tok := NewToken("Tether USD", "USDT", 6)
	prover := NewKeyedVerifier([]byte("test-upnl-key"))
	v := NewVault(DefaultVaultConfig(), tok, roles, prover, nil, testLogger(t))
	return v, tok, prover
}

func fundDepositor(tok *Token, addr string, amount *big.Int) {
	_ = tok.Mint(addr, amount)
	tok.Approve(addr, VaultAccount, amount)
}

func runDeposit(t *testing.T, v *Vault, prover *KeyedVerifier, addr string, amount, upnl *big.Int) *big.Int {
	t.Helper()
	id, err := v.ApplyDeposit(addr, amount)
	require.NoError(t, err)
	shares, err := v.RunDeposit(feedAddr, id, upnl, prover.Prove(upnl))
	require.NoError(t, err)
	return shares
}

func TestVaultFirstDepositMintsOneToOne(t *testing.T) {
	v, tok, prover := newTestVault(t)
	fundDepositor(tok, lpAddr, usdt(100))

	shares := runDeposit(t, v, prover, lpAddr, usdt(100), new(big.Int))
	assert.Equal(t, usdt(100), shares)
	assert.Equal(t, usdt(100), v.TotalAssets())
	assert.Equal(t, usdt(100), v.TotalSupply())
	assert.Equal(t, usdt(100), v.BalanceOf(lpAddr))
	assert.Zero(t, tok.BalanceOf(lpAddr).Sign())
}

func TestVaultSharePricingAgainstNav(t *testing.T) {
	v, tok, prover := newTestVault(t)

	// Assets 62.0875 against a supply of 63: seed 1:1 then drain the
	// difference through the PnL-handler outflow path.
	fundDepositor(tok, lpAddr, usdt(63))
	runDeposit(t, v, prover, lpAddr, usdt(63), new(big.Int))
	require.NoError(t, v.SendAssets(engineAddr, "winner", big.NewInt(912_500)))
	require.Equal(t, big.NewInt(62_087_500), v.TotalAssets())

	// Deposit 50 while traders are 5 underwater: NAV is 67.0875 and the
	// depositor gets 50 x 63 / 67.0875 shares.
	fundDepositor(tok, "bob", usdt(50))
	upnl := new(big.Int).Neg(usdt(5))
	shares := runDeposit(t, v, prover, "bob", usdt(50), upnl)
	assert.Equal(t, big.NewInt(46_953_605), shares)
}

func TestVaultApplyRules(t *testing.T) {
	v, tok, prover := newTestVault(t)
	fundDepositor(tok, lpAddr, usdt(200))
	runDeposit(t, v, prover, lpAddr, usdt(100), new(big.Int))

	t.Run("one outstanding deposit per address", func(t *testing.T) {
		_, err := v.ApplyDeposit(lpAddr, usdt(10))
		require.NoError(t, err)
		_, err = v.ApplyDeposit(lpAddr, usdt(10))
		assert.ErrorIs(t, err, ErrAlreadyApplied)
	})

	t.Run("zero amount rejected", func(t *testing.T) {
		_, err := v.ApplyDeposit("bob", new(big.Int))
		assert.ErrorIs(t, err, ErrZeroAmount)
	})

	t.Run("withdraw needs unlocked shares", func(t *testing.T) {
		_, err := v.ApplyWithdraw(lpAddr, usdt(10))
		assert.ErrorIs(t, err, ErrInsufficientUnlocked, "shares are still locked")
	})
}

func TestVaultLockLifecycle(t *testing.T) {
	v, tok, prover := newTestVault(t)
	now := time.Now()
	v.clock = func() time.Time { return now }
	fundDepositor(tok, lpAddr, usdt(100))
	runDeposit(t, v, prover, lpAddr, usdt(100), new(big.Int))

	assert.Zero(t, v.UnlockedBalanceOf(lpAddr).Sign())
	entries := v.LockEntriesOf(lpAddr)
	require.Len(t, entries, 1)
	assert.Equal(t, usdt(100), entries[0].Shares)
	assert.Equal(t, 72*time.Hour, entries[0].Duration)

	t.Run("locked shares cannot transfer", func(t *testing.T) {
		err := v.Shares().Transfer(lpAddr, "bob", usdt(1))
		assert.ErrorIs(t, err, ErrInsufficientUnlocked)
	})

	t.Run("unlocks after the duration", func(t *testing.T) {
		now = now.Add(72*time.Hour + time.Second)
		assert.Equal(t, usdt(100), v.UnlockedBalanceOf(lpAddr))
		assert.Equal(t, usdt(100), v.MaxWithdrawable(lpAddr))
		require.NoError(t, v.Shares().Transfer(lpAddr, "bob", usdt(1)))
	})

	t.Run("withdraw consumes entries oldest first", func(t *testing.T) {
		id, err := v.ApplyWithdraw(lpAddr, usdt(40))
		require.NoError(t, err)
		upnl := new(big.Int)
		payout, err := v.RunWithdraw(feedAddr, id, upnl, prover.Prove(upnl))
		require.NoError(t, err)
		assert.Equal(t, usdt(40), payout, "flat NAV pays 1:1")

		entries := v.LockEntriesOf(lpAddr)
		require.Len(t, entries, 1)
		assert.Equal(t, usdt(60), entries[0].Shares)
	})
}

func TestVaultRunAuthorization(t *testing.T) {
	v, tok, prover := newTestVault(t)
	fundDepositor(tok, lpAddr, usdt(100))
	id, err := v.ApplyDeposit(lpAddr, usdt(100))
	require.NoError(t, err)
	upnl := new(big.Int)

	t.Run("only the feed may run", func(t *testing.T) {
		_, err := v.RunDeposit("mallory", id, upnl, prover.Prove(upnl))
		assert.ErrorIs(t, err, ErrNotFeedAddress)
	})

	t.Run("bad proof rejected", func(t *testing.T) {
		_, err := v.RunDeposit(feedAddr, id, usdt(100), prover.Prove(upnl))
		assert.ErrorIs(t, err, ErrUpnlVerifyFailed)
	})

	t.Run("unknown request id", func(t *testing.T) {
		_, err := v.RunDeposit(feedAddr, id+99, upnl, prover.Prove(upnl))
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})

	t.Run("settled request cannot run twice", func(t *testing.T) {
		_, err := v.RunDeposit(feedAddr, id, upnl, prover.Prove(upnl))
		require.NoError(t, err)
		_, err = v.RunDeposit(feedAddr, id, upnl, prover.Prove(upnl))
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})
}

func TestVaultDepositNeedsFundsAndAllowance(t *testing.T) {
	v, tok, prover := newTestVault(t)
	upnl := new(big.Int)

	t.Run("no allowance", func(t *testing.T) {
		_ = tok.Mint("bob", usdt(10))
		id, err := v.ApplyDeposit("bob", usdt(10))
		require.NoError(t, err)
		_, err = v.RunDeposit(feedAddr, id, upnl, prover.Prove(upnl))
		assert.ErrorIs(t, err, ErrInsufficientAllowance)
		require.NoError(t, v.CancelApply("bob", id))
	})

	t.Run("no balance", func(t *testing.T) {
		tok.Approve("carol", VaultAccount, usdt(10))
		id, err := v.ApplyDeposit("carol", usdt(10))
		require.NoError(t, err)
		_, err = v.RunDeposit(feedAddr, id, upnl, prover.Prove(upnl))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})
}

func TestVaultCancelApply(t *testing.T) {
	v, tok, _ := newTestVault(t)
	fundDepositor(tok, lpAddr, usdt(100))
	id, err := v.ApplyDeposit(lpAddr, usdt(100))
	require.NoError(t, err)

	t.Run("only the owner cancels", func(t *testing.T) {
		assert.ErrorIs(t, v.CancelApply("mallory", id), ErrNotOwner)
	})

	t.Run("cancel frees the slot", func(t *testing.T) {
		require.NoError(t, v.CancelApply(lpAddr, id))
		_, err := v.ApplyDeposit(lpAddr, usdt(50))
		assert.NoError(t, err)
	})
}

func TestVaultPnlFlowAuthorization(t *testing.T) {
	v, tok, prover := newTestVault(t)
	fundDepositor(tok, lpAddr, usdt(100))
	runDeposit(t, v, prover, lpAddr, usdt(100), new(big.Int))
	_ = tok.Mint(LedgerAccount, usdt(50))

	assert.ErrorIs(t, v.ReceiveAssets("mallory", LedgerAccount, usdt(10)), ErrUnauthorized)
	assert.ErrorIs(t, v.SendAssets("mallory", "bob", usdt(10)), ErrUnauthorized)

	require.NoError(t, v.ReceiveAssets(engineAddr, LedgerAccount, usdt(10)))
	assert.Equal(t, usdt(110), v.TotalAssets())
	require.NoError(t, v.SendAssets(engineAddr, "bob", usdt(30)))
	assert.Equal(t, usdt(80), v.TotalAssets())
	assert.Equal(t, usdt(30), tok.BalanceOf("bob"))
}

func TestVaultWithdrawAbortsWhenNavExceedsHoldings(t *testing.T) {
	v, tok, prover := newTestVault(t)
	now := time.Now()
	v.clock = func() time.Time { return now }
	fundDepositor(tok, lpAddr, usdt(100))
	runDeposit(t, v, prover, lpAddr, usdt(100), new(big.Int))
	now = now.Add(72*time.Hour + time.Second)

	id, err := v.ApplyWithdraw(lpAddr, usdt(100))
	require.NoError(t, err)

	// Traders 50 underwater price the shares at a 150 NAV, but the vault
	// holds only 100: the run must fail with the shares still owned.
	upnl := new(big.Int).Neg(usdt(50))
	_, err = v.RunWithdraw(feedAddr, id, upnl, prover.Prove(upnl))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, usdt(100), v.BalanceOf(lpAddr), "no shares burned")
	assert.Equal(t, usdt(100), v.TotalAssets())
	assert.Zero(t, tok.BalanceOf(lpAddr).Sign())

	t.Run("request survives and settles once fundable", func(t *testing.T) {
		flat := new(big.Int)
		payout, err := v.RunWithdraw(feedAddr, id, flat, prover.Prove(flat))
		require.NoError(t, err)
		assert.Equal(t, usdt(100), payout)
		assert.Zero(t, v.BalanceOf(lpAddr).Sign())
	})
}

func TestVaultPublishesLifecycleEvents(t *testing.T) {
	roles := NewRoleSet(govAddr, feedAddr, engineAddr)
	tok := NewToken("Tether USD", "USDT", 6)
	prover := NewKeyedVerifier([]byte("test-upnl-key"))
	sink := &captureSink{}
	v := NewVault(DefaultVaultConfig(), tok, roles, prover, sink, testLogger(t))
	now := time.Now()
	v.clock = func() time.Time { return now }
	fundDepositor(tok, lpAddr, usdt(100))
	flat := new(big.Int)

	depID, err := v.ApplyDeposit(lpAddr, usdt(100))
	require.NoError(t, err)
	applied, ok := sink.last("VaultDepositApplied").(VaultDepositApplied)
	require.True(t, ok)
	assert.Equal(t, depID, applied.RequestID)
	assert.Equal(t, lpAddr, applied.Trader)
	assert.Equal(t, usdt(100), applied.Assets)

	_, err = v.RunDeposit(feedAddr, depID, flat, prover.Prove(flat))
	require.NoError(t, err)
	settled, ok := sink.last("VaultDepositSettled").(VaultDepositSettled)
	require.True(t, ok)
	assert.Equal(t, depID, settled.RequestID)
	assert.Equal(t, usdt(100), settled.Assets)
	assert.Equal(t, usdt(100), settled.Shares)

	now = now.Add(72*time.Hour + time.Second)

	wID, err := v.ApplyWithdraw(lpAddr, usdt(40))
	require.NoError(t, err)
	wApplied, ok := sink.last("VaultWithdrawApplied").(VaultWithdrawApplied)
	require.True(t, ok)
	assert.Equal(t, wID, wApplied.RequestID)
	assert.Equal(t, usdt(40), wApplied.Shares)

	require.NoError(t, v.CancelApply(lpAddr, wID))
	canceled, ok := sink.last("VaultApplyCanceled").(VaultApplyCanceled)
	require.True(t, ok)
	assert.Equal(t, wID, canceled.RequestID)
	assert.True(t, canceled.Withdraw)

	wID, err = v.ApplyWithdraw(lpAddr, usdt(40))
	require.NoError(t, err)
	_, err = v.RunWithdraw(feedAddr, wID, flat, prover.Prove(flat))
	require.NoError(t, err)
	wSettled, ok := sink.last("VaultWithdrawSettled").(VaultWithdrawSettled)
	require.True(t, ok)
	assert.Equal(t, wID, wSettled.RequestID)
	assert.Equal(t, usdt(40), wSettled.Shares)
	assert.Equal(t, usdt(40), wSettled.Assets)
}
