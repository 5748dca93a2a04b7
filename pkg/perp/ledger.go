package perp

import (
	"math/big"
	"sync"

	"github.com/luxfi/log"
)

// MaxTradesPerPair is how many concurrent position slots a trader gets per
// instrument. Slot indices are reused after close.
const MaxTradesPerPair = 3

// LedgerAccount is the escrow account collateral sits in between intake and
// settlement.
const LedgerAccount = "ledger"

type positionKey struct {
	trader    string
	pairIndex int
	index     int
}

// Ledger is the position book: open trades with their accrual bookkeeping,
// resting open limit orders, per-pair per-side open interest, pending order
// registries keyed by oracle request id, escrowed collateral and accrued
// platform fees. It owns no business rules; the engine validates, the ledger
// records.
type Ledger struct {
	usdt *Token
	log  log.Logger

	trades      map[positionKey]*Trade
	tradeInfos  map[positionKey]*TradeInfo
	limitOrders map[positionKey]*OpenLimitOrder

	// openCounts tracks filled slots per trader per pair, limit orders
	// included, so slot allocation and the per-pair cap share one view.
	openCounts map[string]map[int]int

	// oiUsdt is collateral x leverage per pair per side.
	oiUsdt map[int]map[Side]*big.Int

	pendingMarket map[uint64]*PendingMarketOrder
	pendingBot    map[uint64]*PendingBotOrder
	pendingSl     map[uint64]*PendingSlUpdate
	pendingAdl    map[uint64]*PendingAdlBatch

	platformFee *big.Int
	upnlLastID  uint64

	mu sync.RWMutex
}

// NewLedger creates an empty ledger escrowing collateral in the given token.
func NewLedger(usdt *Token, logger log.Logger) *Ledger {
	return &Ledger{
		usdt:          usdt,
		log:           logger,
		trades:        make(map[positionKey]*Trade),
		tradeInfos:    make(map[positionKey]*TradeInfo),
		limitOrders:   make(map[positionKey]*OpenLimitOrder),
		openCounts:    make(map[string]map[int]int),
		oiUsdt:        make(map[int]map[Side]*big.Int),
		pendingMarket: make(map[uint64]*PendingMarketOrder),
		pendingBot:    make(map[uint64]*PendingBotOrder),
		pendingSl:     make(map[uint64]*PendingSlUpdate),
		pendingAdl:    make(map[uint64]*PendingAdlBatch),
		platformFee:   new(big.Int),
	}
}

// TransferUsdtIn escrows amount from a trader into the ledger account. The
// trader must have approved the ledger first.
func (l *Ledger) TransferUsdtIn(from string, amount *big.Int) error {
	return l.usdt.TransferFrom(LedgerAccount, from, LedgerAccount, amount)
}

// TransferUsdtOut pays amount out of escrow.
func (l *Ledger) TransferUsdtOut(to string, amount *big.Int) error {
	return l.usdt.Transfer(LedgerAccount, to, amount)
}

// StoreTrade records a newly opened position and bumps open interest by its
// notional. The caller has already validated the slot is free.
func (l *Ledger) StoreTrade(t *Trade, info *TradeInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := positionKey{t.Trader, t.PairIndex, t.Index}
	l.trades[k] = t
	l.tradeInfos[k] = info
	l.bumpCount(t.Trader, t.PairIndex, 1)
	l.addOi(t.PairIndex, t.Side(), t.Notional())
	l.log.Debug("trade stored", "trader", t.Trader, "pair", t.PairIndex,
		"index", t.Index, "side", t.Side().String(), "collateral", t.PositionSizeUsdt.String())
}

// UnregisterTrade removes a closed position and releases its open interest.
func (l *Ledger) UnregisterTrade(trader string, pairIndex, index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := positionKey{trader, pairIndex, index}
	t, ok := l.trades[k]
	if !ok {
		return
	}
	l.subOi(t.PairIndex, t.Side(), t.Notional())
	l.bumpCount(trader, pairIndex, -1)
	delete(l.trades, k)
	delete(l.tradeInfos, k)
}

// Trade returns the open position in a slot, or ErrNoTrade.
func (l *Ledger) Trade(trader string, pairIndex, index int) (*Trade, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.trades[positionKey{trader, pairIndex, index}]
	if !ok {
		return nil, ErrNoTrade
	}
	return t, nil
}

// TradeInfo returns the bookkeeping record attached to an open position.
func (l *Ledger) TradeInfo(trader string, pairIndex, index int) (*TradeInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ti, ok := l.tradeInfos[positionKey{trader, pairIndex, index}]
	if !ok {
		return nil, ErrNoTrade
	}
	return ti, nil
}

// TradesOf returns every open position a trader holds on a pair.
func (l *Ledger) TradesOf(trader string, pairIndex int) []*Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Trade
	for i := 0; i < MaxTradesPerPair; i++ {
		if t, ok := l.trades[positionKey{trader, pairIndex, i}]; ok {
			out = append(out, t)
		}
	}
	return out
}

// OpenSlots returns how many slots a trader has filled on a pair, resting
// limit orders included.
func (l *Ledger) OpenSlots(trader string, pairIndex int) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m := l.openCounts[trader]; m != nil {
		return m[pairIndex]
	}
	return 0
}

// FirstEmptySlot returns the lowest free slot index for a trader on a pair,
// or -1 when all slots are taken.
func (l *Ledger) FirstEmptySlot(trader string, pairIndex int) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := 0; i < MaxTradesPerPair; i++ {
		k := positionKey{trader, pairIndex, i}
		if _, ok := l.trades[k]; ok {
			continue
		}
		if _, ok := l.limitOrders[k]; ok {
			continue
		}
		return i
	}
	return -1
}

// UpdateTradeSl overwrites the stop loss on an open position.
func (l *Ledger) UpdateTradeSl(trader string, pairIndex, index int, sl *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.trades[positionKey{trader, pairIndex, index}]
	if !ok {
		return ErrNoTrade
	}
	t.SL = clone(sl)
	return nil
}

// UpdateTradeTp overwrites the take profit on an open position.
func (l *Ledger) UpdateTradeTp(trader string, pairIndex, index int, tp *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.trades[positionKey{trader, pairIndex, index}]
	if !ok {
		return ErrNoTrade
	}
	t.TP = clone(tp)
	return nil
}

// StoreOpenLimitOrder records a resting open order in a slot.
func (l *Ledger) StoreOpenLimitOrder(o *OpenLimitOrder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limitOrders[positionKey{o.Trader, o.PairIndex, o.Index}] = o
	l.bumpCount(o.Trader, o.PairIndex, 1)
}

// OpenLimitOrder returns the resting order in a slot, or ErrNoLimitOrder.
func (l *Ledger) OpenLimitOrder(trader string, pairIndex, index int) (*OpenLimitOrder, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.limitOrders[positionKey{trader, pairIndex, index}]
	if !ok {
		return nil, ErrNoLimitOrder
	}
	return o, nil
}

// UnregisterOpenLimitOrder removes a resting order, freeing its slot.
func (l *Ledger) UnregisterOpenLimitOrder(trader string, pairIndex, index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := positionKey{trader, pairIndex, index}
	if _, ok := l.limitOrders[k]; !ok {
		return
	}
	delete(l.limitOrders, k)
	l.bumpCount(trader, pairIndex, -1)
}

// OpenInterestUsdt returns the summed notional on one side of a pair.
func (l *Ledger) OpenInterestUsdt(pairIndex int, side Side) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m := l.oiUsdt[pairIndex]; m != nil {
		return clone(m[side])
	}
	return new(big.Int)
}

// StorePendingMarketOrder registers an in-flight market order under its
// request id.
func (l *Ledger) StorePendingMarketOrder(o *PendingMarketOrder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingMarket[o.OrderID] = o
}

// TakePendingMarketOrder removes and returns the pending market order for a
// request id. Settle-once: the second take fails.
func (l *Ledger) TakePendingMarketOrder(orderID uint64) (*PendingMarketOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.pendingMarket[orderID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	delete(l.pendingMarket, orderID)
	return o, nil
}

// StorePendingBotOrder registers an in-flight bot trigger under its request id.
func (l *Ledger) StorePendingBotOrder(o *PendingBotOrder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingBot[o.OrderID] = o
}

// TakePendingBotOrder removes and returns the pending bot order for a request
// id.
func (l *Ledger) TakePendingBotOrder(orderID uint64) (*PendingBotOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.pendingBot[orderID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	delete(l.pendingBot, orderID)
	return o, nil
}

// StorePendingSlUpdate registers an in-flight stop-loss update.
func (l *Ledger) StorePendingSlUpdate(o *PendingSlUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingSl[o.OrderID] = o
}

// TakePendingSlUpdate removes and returns the pending stop-loss update for a
// request id.
func (l *Ledger) TakePendingSlUpdate(orderID uint64) (*PendingSlUpdate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.pendingSl[orderID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	delete(l.pendingSl, orderID)
	return o, nil
}

// StorePendingAdlBatch registers an in-flight batch close.
func (l *Ledger) StorePendingAdlBatch(b *PendingAdlBatch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingAdl[b.OrderID] = b
}

// TakePendingAdlBatch removes and returns the pending batch for a request id.
func (l *Ledger) TakePendingAdlBatch(orderID uint64) (*PendingAdlBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.pendingAdl[orderID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	delete(l.pendingAdl, orderID)
	return b, nil
}

// AccruePlatformFee adds amount to the accrued platform fee bucket.
func (l *Ledger) AccruePlatformFee(amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.platformFee.Add(l.platformFee, amount)
}

// PlatformFee returns the accrued platform fee.
func (l *Ledger) PlatformFee() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return clone(l.platformFee)
}

// BumpUpnlLastID advances the settlement round counter and returns the new
// value. Every settled execution bumps it so downstream uPnL feeds know which
// state they priced.
func (l *Ledger) BumpUpnlLastID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upnlLastID++
	return l.upnlLastID
}

// UpnlLastID returns the current settlement round counter.
func (l *Ledger) UpnlLastID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.upnlLastID
}

func (l *Ledger) bumpCount(trader string, pairIndex, delta int) {
	m := l.openCounts[trader]
	if m == nil {
		m = make(map[int]int)
		l.openCounts[trader] = m
	}
	m[pairIndex] += delta
	if m[pairIndex] <= 0 {
		delete(m, pairIndex)
	}
}

func (l *Ledger) addOi(pairIndex int, side Side, notional *big.Int) {
	m := l.oiUsdt[pairIndex]
	if m == nil {
		m = make(map[Side]*big.Int)
		l.oiUsdt[pairIndex] = m
	}
	if m[side] == nil {
		m[side] = new(big.Int)
	}
	m[side].Add(m[side], notional)
}

func (l *Ledger) subOi(pairIndex int, side Side, notional *big.Int) {
	if m := l.oiUsdt[pairIndex]; m != nil && m[side] != nil {
		m[side].Sub(m[side], notional)
	}
}
