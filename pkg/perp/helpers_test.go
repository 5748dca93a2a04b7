package perp

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

const (
	govAddr    = "gov"
	feedAddr   = "feed"
	engineAddr = "engine"
	botAddr    = "bot"
	traderAddr = "alice"
	lpAddr     = "lp"
	nodeAddr   = "node-1"
)

func testLogger(t *testing.T) log.Logger {
	t.Helper()
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

// usdt converts a whole-number USDT amount to its 6-decimal representation.
func usdt(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(AssetScale))
}

// price10 converts a whole-number price to its 1e10 representation.
func price10(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(Precision))
}

// stubTransport records broadcasts without delivering them anywhere.
type stubTransport struct {
	requests []uint64
}

func (s *stubTransport) Broadcast(requestID uint64, pairIndices []int) error {
	s.requests = append(s.requests, requestID)
	return nil
}

// captureSink collects published events for assertions.
type captureSink struct {
	events []Event
}

func (c *captureSink) Publish(ev Event) {
	c.events = append(c.events, ev)
}

func (c *captureSink) named(name string) []Event {
	var out []Event
	for _, ev := range c.events {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *captureSink) last(name string) Event {
	evs := c.named(name)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

// testRig is a fully wired engine with one listed pair and a funded vault.
type testRig struct {
	engine *Engine
	adl    *AdlEngine
	oracle *Oracle
	pairs  *PairsStore
	ledger *Ledger
	vault  *Vault
	usdt   *Token
	roles  *RoleSet
	prover *KeyedVerifier
	sink   *captureSink
	now    time.Time
}

// newTestRig builds the standard fixture: a BTC/USDT pair with leverage
// group 2..100, 0.08% open and close fees, min notional 500 USDT, an oracle
// with a single answering node, and a vault seeded with 1500 USDT so the
// vault-derived exposure cap admits 15000 USDT of notional per side.
func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := testLogger(t)

	roles := NewRoleSet(govAddr, feedAddr, engineAddr)
	roles.AddBot(botAddr)

	tok := NewToken("Tether USD", "USDT", 6)
	prover := NewKeyedVerifier([]byte("test-upnl-key"))

	pairs := NewPairsStore(roles)
	_, err := pairs.AddGroup(govAddr, Group{Name: "crypto", MinLeverage: 2, MaxLeverage: 100})
	require.NoError(t, err)
	_, err = pairs.AddFee(govAddr, FeeSchedule{
		Name:          "crypto",
		OpenFeeP:      big.NewInt(800000000),
		CloseFeeP:     big.NewInt(800000000),
		OracleFeeP:    big.NewInt(40000000),
		MinLevPosUsdt: usdt(500),
	})
	require.NoError(t, err)
	_, err = pairs.AddPair(govAddr, Pair{
		Base:  "BTC",
		Quote: "USDT",
		Feed: Feed{
			Feed1:         "btc-usd",
			MaxDeviationP: new(big.Int).Mul(big.NewInt(10), big.NewInt(Precision)),
		},
		SpreadP: new(big.Int),
	})
	require.NoError(t, err)

	ledger := NewLedger(tok, logger)

	transport := &stubTransport{}
	oracle := NewOracle(OracleConfig{
		Nodes:          []string{nodeAddr},
		MinAnswers:     1,
		RequestTimeout: 30 * time.Second,
	}, transport, logger)

	sink := &captureSink{}
	vault := NewVault(DefaultVaultConfig(), tok, roles, prover, sink, logger)
	engine := NewEngine(DefaultEngineConfig(), pairs, ledger, oracle, vault, roles, sink, logger)

	rig := &testRig{
		engine: engine,
		adl:    NewAdlEngine(engine),
		oracle: oracle,
		pairs:  pairs,
		ledger: ledger,
		vault:  vault,
		usdt:   tok,
		roles:  roles,
		prover: prover,
		sink:   sink,
		now:    time.Now(),
	}
	rig.fund(lpAddr, usdt(10_000))
	rig.seedVault(lpAddr, usdt(1500))
	return rig
}

// fund mints balance to an address and pre-approves ledger and vault.
func (r *testRig) fund(addr string, amount *big.Int) {
	_ = r.usdt.Mint(addr, amount)
	r.usdt.Approve(addr, LedgerAccount, amount)
	r.usdt.Approve(addr, VaultAccount, amount)
}

// seedVault runs a deposit with zero uPnL so shares mint 1:1.
func (r *testRig) seedVault(addr string, amount *big.Int) {
	id, err := r.vault.ApplyDeposit(addr, amount)
	if err != nil {
		panic(err)
	}
	upnl := new(big.Int)
	if _, err := r.vault.RunDeposit(feedAddr, id, upnl, r.prover.Prove(upnl)); err != nil {
		panic(err)
	}
}

// answer delivers one node answer to a round.
func (r *testRig) answer(t *testing.T, requestID uint64, prices ...*big.Int) {
	t.Helper()
	require.NoError(t, r.oracle.SubmitAnswer(requestID, nodeAddr, prices))
}

// openMarket runs the whole open flow at the given settlement price and
// returns the stored trade.
func (r *testRig) openMarket(t *testing.T, trader string, collateral *big.Int, leverage int64, buy bool, wantedPrice, settlePrice *big.Int) *Trade {
	t.Helper()
	id, err := r.engine.OpenTrade(TradeRequest{
		Trader:           trader,
		PairIndex:        0,
		PositionSizeUsdt: collateral,
		OpenPrice:        wantedPrice,
		Buy:              buy,
		Leverage:         leverage,
	}, OrderMarket, price10(1))
	require.NoError(t, err)
	r.answer(t, id, settlePrice)
	trades := r.ledger.TradesOf(trader, 0)
	require.NotEmpty(t, trades)
	return trades[len(trades)-1]
}
