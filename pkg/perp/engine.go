package perp

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// EngineConfig bounds order admission.
type EngineConfig struct {
	// SelfAddress is the identity the engine uses when moving realized PnL
	// through the vault; it must be registered as the PnL handler.
	SelfAddress string

	// MaxPosUsdt caps a single position's notional.
	MaxPosUsdt *big.Int

	// VaultOiMultiplier caps per-side open interest at vault TVL times this
	// factor.
	VaultOiMultiplier int64

	MaxSlP   int64 // max stop-loss distance, percent of collateral at leverage
	MinSlP   int64
	MaxGainP int64 // max take-profit distance and PnL clamp, percent
	MinGainP int64
}

// DefaultEngineConfig returns the production admission bounds.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SelfAddress:       "engine",
		MaxPosUsdt:        new(big.Int).Mul(bi(500_000), bi(AssetScale)),
		VaultOiMultiplier: 10,
		MaxSlP:            75,
		MinSlP:            0,
		MaxGainP:          900,
		MinGainP:          0,
	}
}

// Engine drives the order lifecycle: admission at intake, the oracle round
// trip, and settlement. Every validation runs before any state mutates, and
// admission is re-checked at settlement because the world moves during the
// price round. State transitions are serialized by one mutex.
type Engine struct {
	cfg    EngineConfig
	pairs  *PairsStore
	ledger *Ledger
	oracle *Oracle
	vault  *Vault
	auth   Authorizer
	sink   EventSink
	log    log.Logger

	paused bool
	block  uint64

	mu sync.Mutex
}

// NewEngine wires the engine over its collaborators. The sink may be nil.
func NewEngine(cfg EngineConfig, pairs *PairsStore, ledger *Ledger, oracle *Oracle,
	vault *Vault, auth Authorizer, sink EventSink, logger log.Logger) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	return &Engine{
		cfg:    cfg,
		pairs:  pairs,
		ledger: ledger,
		oracle: oracle,
		vault:  vault,
		auth:   auth,
		sink:   sink,
		log:    logger,
	}
}

// Pause halts intake of new orders. Gov only. Settlement of in-flight rounds
// still completes.
func (e *Engine) Pause(caller string, paused bool) error {
	if !e.auth.Authorize(caller, ActGovern) {
		return ErrUnauthorized
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = paused
	return nil
}

// SetSLTP updates the stop-loss and take-profit distance bounds. Gov only.
func (e *Engine) SetSLTP(caller string, maxSl, minSl, maxGain, minGain int64) error {
	if !e.auth.Authorize(caller, ActGovern) {
		return ErrUnauthorized
	}
	if maxSl <= minSl || maxGain <= minGain || minSl < 0 || minGain < 0 {
		return ErrWrongParams
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.MaxSlP, e.cfg.MinSlP = maxSl, minSl
	e.cfg.MaxGainP, e.cfg.MinGainP = maxGain, minGain
	return nil
}

// AdvanceBlock moves the accrual clock forward one block.
func (e *Engine) AdvanceBlock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block++
}

// SetBlock pins the accrual clock, used when the host chain drives it.
func (e *Engine) SetBlock(n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block = n
}

// Block returns the current accrual block.
func (e *Engine) Block() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.block
}

// CancelExpiredRounds reaps timed-out oracle rounds; the daemon calls this on
// a ticker.
func (e *Engine) CancelExpiredRounds(now time.Time) int {
	return e.oracle.CancelExpired(now)
}

// OpenTrade admits an open intent. Market orders escrow collateral and enter
// a price round; limit orders escrow collateral and rest until triggered.
// Every bound is checked before anything moves, so a returned error means no
// state changed.
func (e *Engine) OpenTrade(req TradeRequest, orderType OrderType, slippageP *big.Int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return 0, ErrPaused
	}
	pair, err := e.pairs.Pair(req.PairIndex)
	if err != nil {
		return 0, err
	}
	group, _ := e.pairs.Group(req.PairIndex)
	fees, _ := e.pairs.Fees(req.PairIndex)

	if isZero(req.PositionSizeUsdt) || isZero(req.OpenPrice) {
		return 0, ErrWrongParams
	}
	if req.Leverage < group.MinLeverage || req.Leverage > group.MaxLeverage {
		return 0, ErrLeverageIncorrect
	}
	notional := new(big.Int).Mul(req.PositionSizeUsdt, bi(req.Leverage))
	if notional.Cmp(fees.MinLevPosUsdt) < 0 {
		return 0, ErrPositionSizeTooSmall
	}
	if e.cfg.MaxPosUsdt != nil && notional.Cmp(e.cfg.MaxPosUsdt) > 0 {
		return 0, ErrPositionSizeTooBig
	}
	if e.ledger.OpenSlots(req.Trader, req.PairIndex) >= MaxTradesPerPair {
		return 0, ErrMaxTradesPerPair
	}
	if err := e.checkTpSl(req.OpenPrice, req.TP, req.SL, req.Buy, req.Leverage); err != nil {
		return 0, err
	}
	if err := e.checkExposure(req.PairIndex, sideOf(req.Buy), notional); err != nil {
		return 0, err
	}

	slot := e.ledger.FirstEmptySlot(req.Trader, req.PairIndex)
	if slot < 0 {
		return 0, ErrMaxTradesPerPair
	}
	req.Index = slot

	if err := e.ledger.TransferUsdtIn(req.Trader, req.PositionSizeUsdt); err != nil {
		return 0, err
	}

	if orderType == OrderLimit {
		e.ledger.StoreOpenLimitOrder(&OpenLimitOrder{
			Trader:           req.Trader,
			PairIndex:        req.PairIndex,
			Index:            slot,
			PositionSizeUsdt: clone(req.PositionSizeUsdt),
			Price:            clone(req.OpenPrice),
			SlippageP:        clone(slippageP),
			Buy:              req.Buy,
			Leverage:         req.Leverage,
			TP:               clone(req.TP),
			SL:               clone(req.SL),
			PlacedBlock:      e.block,
		})
		e.sink.Publish(OpenLimitPlaced{Trader: req.Trader, PairIndex: req.PairIndex, Index: slot, Price: clone(req.OpenPrice)})
		return 0, nil
	}

	id, err := e.oracle.RequestPrice(req.PairIndex, e.settleMarket, e.cancelMarket)
	if err != nil {
		_ = e.ledger.TransferUsdtOut(req.Trader, req.PositionSizeUsdt)
		return 0, err
	}
	e.ledger.StorePendingMarketOrder(&PendingMarketOrder{
		OrderID:   id,
		Trade:     req,
		Open:      true,
		SlippageP: clone(slippageP),
		CreatedAt: time.Now(),
	})
	e.sink.Publish(MarketOrderInitiated{OrderID: id, Trader: req.Trader, PairIndex: req.PairIndex, Open: true})
	e.log.Debug("market open initiated", "order", id, "trader", req.Trader,
		"pair", pair.Name(), "notional", notional.String())
	return id, nil
}

// CloseTradeMarket starts a market close of an open position. The position
// stays live until the price round settles.
func (e *Engine) CloseTradeMarket(trader string, pairIndex, index int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return 0, ErrPaused
	}
	t, err := e.ledger.Trade(trader, pairIndex, index)
	if err != nil {
		return 0, err
	}
	id, err := e.oracle.RequestPrice(pairIndex, e.settleMarket, e.cancelMarket)
	if err != nil {
		return 0, err
	}
	e.ledger.StorePendingMarketOrder(&PendingMarketOrder{
		OrderID: id,
		Trade: TradeRequest{
			Trader:    t.Trader,
			PairIndex: t.PairIndex,
			Index:     t.Index,
		},
		Open:      false,
		CreatedAt: time.Now(),
	})
	e.sink.Publish(MarketOrderInitiated{OrderID: id, Trader: trader, PairIndex: pairIndex, Open: false})
	return id, nil
}

// UpdateTp changes a position's take profit synchronously.
func (e *Engine) UpdateTp(trader string, pairIndex, index int, newTp *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.ledger.Trade(trader, pairIndex, index)
	if err != nil {
		return err
	}
	if !isZero(newTp) {
		if err := e.checkTpBound(t.OpenPrice, newTp, t.Buy, t.Leverage); err != nil {
			return err
		}
	}
	if err := e.ledger.UpdateTradeTp(trader, pairIndex, index, newTp); err != nil {
		return err
	}
	e.sink.Publish(TpUpdated{Trader: trader, PairIndex: pairIndex, Index: index, NewTP: clone(newTp)})
	return nil
}

// UpdateSl changes a position's stop loss. Disabling (newSl == 0) is
// synchronous; setting a level needs a price round so a stop that the market
// has already crossed is rejected instead of applied.
func (e *Engine) UpdateSl(trader string, pairIndex, index int, newSl *big.Int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.ledger.Trade(trader, pairIndex, index)
	if err != nil {
		return 0, err
	}
	if isZero(newSl) {
		if err := e.ledger.UpdateTradeSl(trader, pairIndex, index, new(big.Int)); err != nil {
			return 0, err
		}
		e.sink.Publish(SlUpdated{Trader: trader, PairIndex: pairIndex, Index: index, NewSL: new(big.Int)})
		return 0, nil
	}
	if err := e.checkSlBound(t.OpenPrice, newSl, t.Buy, t.Leverage); err != nil {
		return 0, err
	}
	id, err := e.oracle.RequestPrice(pairIndex, e.settleSlUpdate, e.cancelSlUpdate)
	if err != nil {
		return 0, err
	}
	e.ledger.StorePendingSlUpdate(&PendingSlUpdate{
		OrderID:   id,
		Trader:    trader,
		PairIndex: pairIndex,
		Index:     index,
		NewSl:     clone(newSl),
		CreatedAt: time.Now(),
	})
	e.sink.Publish(SlUpdateInitiated{OrderID: id, Trader: trader, PairIndex: pairIndex, Index: index, NewSL: clone(newSl)})
	return id, nil
}

// UpdateOpenLimitOrder moves a resting open order to a new price and bounds.
func (e *Engine) UpdateOpenLimitOrder(trader string, pairIndex, index int, newPrice, tp, sl *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.ledger.OpenLimitOrder(trader, pairIndex, index)
	if err != nil {
		return err
	}
	if isZero(newPrice) {
		return ErrWrongParams
	}
	if err := e.checkTpSl(newPrice, tp, sl, o.Buy, o.Leverage); err != nil {
		return err
	}
	o.Price = clone(newPrice)
	o.TP = clone(tp)
	o.SL = clone(sl)
	o.PlacedBlock = e.block
	e.sink.Publish(OpenLimitUpdated{Trader: trader, PairIndex: pairIndex, Index: index,
		NewPrice: clone(newPrice), NewTP: clone(tp), NewSL: clone(sl)})
	return nil
}

// CancelOpenLimitOrder withdraws a resting open order and refunds its escrow.
func (e *Engine) CancelOpenLimitOrder(trader string, pairIndex, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.ledger.OpenLimitOrder(trader, pairIndex, index)
	if err != nil {
		return err
	}
	e.ledger.UnregisterOpenLimitOrder(trader, pairIndex, index)
	if err := e.ledger.TransferUsdtOut(trader, o.PositionSizeUsdt); err != nil {
		return err
	}
	e.sink.Publish(OpenLimitCanceled{Trader: trader, PairIndex: pairIndex, Index: index})
	return nil
}

// ExecuteBotOrder lets a whitelisted executor fire a TP, SL, liquidation or
// limit-open trigger. The trigger condition itself is verified against the
// delivered price at settlement.
func (e *Engine) ExecuteBotOrder(caller string, kind BotOrderKind, trader string, pairIndex, index int) (uint64, error) {
	if !e.auth.Authorize(caller, ActExecuteBot) {
		return 0, ErrUnauthorized
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if kind == BotOrderLimitOpen {
		o, err := e.ledger.OpenLimitOrder(trader, pairIndex, index)
		if err != nil {
			return 0, err
		}
		notional := new(big.Int).Mul(o.PositionSizeUsdt, bi(o.Leverage))
		if err := e.checkExposure(pairIndex, sideOf(o.Buy), notional); err != nil {
			return 0, err
		}
	} else {
		if _, err := e.ledger.Trade(trader, pairIndex, index); err != nil {
			return 0, err
		}
	}
	id, err := e.oracle.RequestPrice(pairIndex, e.settleBot, e.cancelBot)
	if err != nil {
		return 0, err
	}
	e.ledger.StorePendingBotOrder(&PendingBotOrder{
		OrderID:   id,
		Kind:      kind,
		Executor:  caller,
		Trader:    trader,
		PairIndex: pairIndex,
		Index:     index,
		CreatedAt: time.Now(),
	})
	e.sink.Publish(BotOrderInitiated{OrderID: id, Kind: kind, Trader: trader, PairIndex: pairIndex, Index: index})
	return id, nil
}

// settleMarket is the oracle callback for market opens and closes.
func (e *Engine) settleMarket(requestID uint64, prices map[int]*big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.ledger.TakePendingMarketOrder(requestID)
	if err != nil {
		return
	}
	price := prices[o.Trade.PairIndex]
	if o.Open {
		e.settleMarketOpen(o, price)
		return
	}
	e.settleMarketClose(o, price)
}

func (e *Engine) settleMarketOpen(o *PendingMarketOrder, price *big.Int) {
	req := o.Trade
	pair, err := e.pairs.Pair(req.PairIndex)
	if err != nil {
		e.refundOpen(o, err.Error())
		return
	}
	exec := PriceAfterSpread(price, pair.SpreadP, req.Buy)
	if !WithinDeviation(exec, req.OpenPrice, pair.Feed.MaxDeviationP) {
		e.refundOpen(o, ErrPriceDeviation.Error())
		return
	}
	if !WithinSlippage(req.OpenPrice, exec, o.SlippageP, req.Buy) {
		e.refundOpen(o, ErrSlippageExceeded.Error())
		return
	}
	notional := new(big.Int).Mul(req.PositionSizeUsdt, bi(req.Leverage))
	if err := e.checkExposure(req.PairIndex, sideOf(req.Buy), notional); err != nil {
		e.refundOpen(o, err.Error())
		return
	}
	t := e.storeOpened(req, exec)
	e.sink.Publish(MarketExecuted{
		OrderID:      o.OrderID,
		Trade:        *t,
		Open:         true,
		Price:        clone(exec),
		PositionSize: clone(t.PositionSizeUsdt),
	})
	e.bumpUpnlRound()
}

// storeOpened charges the open fee, fills defaults and records the position.
func (e *Engine) storeOpened(req TradeRequest, exec *big.Int) *Trade {
	fees, _ := e.pairs.Fees(req.PairIndex)
	fee := OpenFee(req.PositionSizeUsdt, req.Leverage, fees.OpenFeeP)
	e.ledger.AccruePlatformFee(fee)
	stored := new(big.Int).Sub(req.PositionSizeUsdt, fee)

	tp := clone(req.TP)
	if isZero(tp) {
		tp = DefaultTakeProfit(exec, req.Buy, req.Leverage, e.cfg.MaxGainP)
	}
	t := &Trade{
		Trader:           req.Trader,
		PairIndex:        req.PairIndex,
		Index:            req.Index,
		PositionSizeUsdt: stored,
		OpenPrice:        clone(exec),
		Buy:              req.Buy,
		Leverage:         req.Leverage,
		TP:               tp,
		SL:               clone(req.SL),
	}
	e.ledger.StoreTrade(t, &TradeInfo{
		OpenBlock:       e.block,
		OpenedAt:        time.Now(),
		RolloverAccrued: new(big.Int),
		FundingAccrued:  new(big.Int),
	})
	return t
}

func (e *Engine) settleMarketClose(o *PendingMarketOrder, price *big.Int) {
	t, err := e.ledger.Trade(o.Trade.Trader, o.Trade.PairIndex, o.Trade.Index)
	if err != nil {
		return
	}
	res := e.closeAt(t, price, true)
	e.sink.Publish(MarketExecuted{
		OrderID:       o.OrderID,
		Trade:         *t,
		Open:          false,
		Price:         clone(price),
		PositionSize:  clone(t.PositionSizeUsdt),
		PercentProfit: res.percentProfit,
		CloseFee:      res.closeFee,
		Rollover:      res.rollover,
		Funding:       res.funding,
		SentToTrader:  res.sentToTrader,
	})
	e.bumpUpnlRound()
}

// closeResult is the settled breakdown of one position close.
type closeResult struct {
	percentProfit *big.Int
	rollover      *big.Int
	funding       *big.Int
	closeFee      *big.Int
	sentToTrader  *big.Int
	vaultFlow     *big.Int // positive: assets into the vault
}

// closeAt settles a position at the given price: PnL, accruals, close fee,
// payout, and the balancing vault flow. A liquidated position (value under
// the threshold) pays nothing and no close fee is charged.
func (e *Engine) closeAt(t *Trade, price *big.Int, chargeCloseFee bool) closeResult {
	fees, _ := e.pairs.Fees(t.PairIndex)
	params := e.pairs.Params(t.PairIndex)
	info, _ := e.ledger.TradeInfo(t.Trader, t.PairIndex, t.Index)

	var blocks uint64
	if info != nil && e.block > info.OpenBlock {
		blocks = e.block - info.OpenBlock
	}
	rollover := RolloverFee(t.PositionSizeUsdt, params.RolloverFeePerBlockP, blocks)
	funding := FundingFee(t.Notional(), params.FundingFeePerBlockP, blocks)
	if info != nil {
		rollover.Add(rollover, info.RolloverAccrued)
		funding.Add(funding, info.FundingAccrued)
	}

	p := CurrentPercentProfit(t.OpenPrice, price, t.Buy, t.Leverage, e.cfg.MaxGainP)
	value := TradeValue(t.PositionSizeUsdt, p, rollover, funding)

	closeFee := new(big.Int)
	sent := new(big.Int)
	if value.Sign() > 0 {
		if chargeCloseFee {
			closeFee = CloseFee(t.PositionSizeUsdt, t.Leverage, fees.CloseFeeP)
		}
		sent = new(big.Int).Sub(value, closeFee)
		if sent.Sign() < 0 {
			sent = new(big.Int)
		}
	}

	e.ledger.AccruePlatformFee(closeFee)
	remaining := new(big.Int).Sub(t.PositionSizeUsdt, closeFee)

	// Pay the trader from escrow first; the vault funds any excess and
	// absorbs any remainder, so escrow always zeroes out per position.
	if sent.Cmp(remaining) <= 0 {
		if sent.Sign() > 0 {
			_ = e.ledger.TransferUsdtOut(t.Trader, sent)
		}
		surplus := new(big.Int).Sub(remaining, sent)
		if surplus.Sign() > 0 {
			if err := e.vault.ReceiveAssets(e.cfg.SelfAddress, LedgerAccount, surplus); err != nil {
				e.log.Error("vault inflow failed", "trader", t.Trader, "amount", surplus.String(), "err", err)
			}
		}
	} else {
		_ = e.ledger.TransferUsdtOut(t.Trader, remaining)
		shortfall := new(big.Int).Sub(sent, remaining)
		// The vault funds profit only up to what it holds; a drained vault
		// caps the payout and the settled figures report the capped amount.
		if available := e.vault.TotalAssets(); shortfall.Cmp(available) > 0 {
			e.log.Warn("vault cannot fund full payout",
				"trader", t.Trader, "owed", shortfall.String(), "available", available.String())
			shortfall = available
			sent = new(big.Int).Add(remaining, shortfall)
		}
		if shortfall.Sign() > 0 {
			if err := e.vault.SendAssets(e.cfg.SelfAddress, t.Trader, shortfall); err != nil {
				e.log.Error("vault outflow failed", "trader", t.Trader, "amount", shortfall.String(), "err", err)
				sent = clone(remaining)
			}
		}
	}
	flow := new(big.Int).Sub(remaining, sent)

	e.ledger.UnregisterTrade(t.Trader, t.PairIndex, t.Index)
	return closeResult{
		percentProfit: p,
		rollover:      rollover,
		funding:       funding,
		closeFee:      closeFee,
		sentToTrader:  sent,
		vaultFlow:     flow,
	}
}

// settleSlUpdate applies or rejects a pending stop-loss change against the
// delivered price.
func (e *Engine) settleSlUpdate(requestID uint64, prices map[int]*big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, err := e.ledger.TakePendingSlUpdate(requestID)
	if err != nil {
		return
	}
	t, err := e.ledger.Trade(u.Trader, u.PairIndex, u.Index)
	if err != nil {
		return
	}
	price := prices[u.PairIndex]
	crossed := (t.Buy && price.Cmp(u.NewSl) <= 0) || (!t.Buy && price.Cmp(u.NewSl) >= 0)
	if crossed {
		e.sink.Publish(SlCanceled{OrderID: requestID, Trader: u.Trader, PairIndex: u.PairIndex, Index: u.Index})
		return
	}
	_ = e.ledger.UpdateTradeSl(u.Trader, u.PairIndex, u.Index, u.NewSl)
	e.sink.Publish(SlUpdated{Trader: u.Trader, PairIndex: u.PairIndex, Index: u.Index, NewSL: clone(u.NewSl)})
}

// settleBot verifies the trigger condition against the delivered price and
// executes the order.
func (e *Engine) settleBot(requestID uint64, prices map[int]*big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.ledger.TakePendingBotOrder(requestID)
	if err != nil {
		return
	}
	price := prices[o.PairIndex]

	if o.Kind == BotOrderLimitOpen {
		e.settleLimitOpen(o, price)
		return
	}

	t, err := e.ledger.Trade(o.Trader, o.PairIndex, o.Index)
	if err != nil {
		e.cancelBotWith(o, ErrNoTrade.Error())
		return
	}
	var execPrice *big.Int
	switch o.Kind {
	case BotOrderTP:
		if isZero(t.TP) || !crossedFavorably(t, price, t.TP) {
			e.cancelBotWith(o, ErrNotTriggerable.Error())
			return
		}
		execPrice = t.TP
	case BotOrderSL:
		if isZero(t.SL) || !crossedAdversely(t, price, t.SL) {
			e.cancelBotWith(o, ErrNotTriggerable.Error())
			return
		}
		execPrice = t.SL
	case BotOrderLiq:
		if !e.liquidatable(t, price) {
			e.cancelBotWith(o, ErrNotTriggerable.Error())
			return
		}
		execPrice = price
	default:
		e.cancelBotWith(o, ErrWrongParams.Error())
		return
	}
	res := e.closeAt(t, execPrice, o.Kind != BotOrderLiq)
	e.sink.Publish(LimitExecuted{
		OrderID:       o.OrderID,
		Kind:          o.Kind,
		Trade:         *t,
		Price:         clone(execPrice),
		PositionSize:  clone(t.PositionSizeUsdt),
		PercentProfit: res.percentProfit,
		SentToTrader:  res.sentToTrader,
	})
	e.bumpUpnlRound()
}

// settleLimitOpen converts a triggered resting order into a position.
func (e *Engine) settleLimitOpen(o *PendingBotOrder, price *big.Int) {
	lo, err := e.ledger.OpenLimitOrder(o.Trader, o.PairIndex, o.Index)
	if err != nil {
		e.cancelBotWith(o, ErrNoLimitOrder.Error())
		return
	}
	pair, err := e.pairs.Pair(o.PairIndex)
	if err != nil {
		e.cancelBotWith(o, err.Error())
		return
	}
	exec := PriceAfterSpread(price, pair.SpreadP, lo.Buy)
	if !WithinSlippage(lo.Price, exec, lo.SlippageP, lo.Buy) {
		e.cancelBotWith(o, ErrSlippageExceeded.Error())
		return
	}
	notional := new(big.Int).Mul(lo.PositionSizeUsdt, bi(lo.Leverage))
	if err := e.checkExposure(o.PairIndex, sideOf(lo.Buy), notional); err != nil {
		e.cancelBotWith(o, err.Error())
		return
	}
	// A fill too far past the trigger would admit a position already deep
	// underwater; bound it like the admission check does.
	maxNeg := e.pairs.MaxNegativePnlOnOpenP()
	if maxNeg.Sign() > 0 {
		p := CurrentPercentProfit(lo.Price, exec, lo.Buy, lo.Leverage, e.cfg.MaxGainP)
		if p.Sign() < 0 && new(big.Int).Neg(p).Cmp(maxNeg) > 0 {
			e.cancelBotWith(o, ErrPriceDeviation.Error())
			return
		}
	}
	e.ledger.UnregisterOpenLimitOrder(o.Trader, o.PairIndex, o.Index)
	t := e.storeOpened(TradeRequest{
		Trader:           lo.Trader,
		PairIndex:        lo.PairIndex,
		Index:            lo.Index,
		PositionSizeUsdt: lo.PositionSizeUsdt,
		OpenPrice:        lo.Price,
		Buy:              lo.Buy,
		Leverage:         lo.Leverage,
		TP:               lo.TP,
		SL:               lo.SL,
	}, exec)
	e.sink.Publish(LimitExecuted{
		OrderID:      o.OrderID,
		Kind:         BotOrderLimitOpen,
		Trade:        *t,
		Price:        clone(exec),
		PositionSize: clone(t.PositionSizeUsdt),
	})
	e.bumpUpnlRound()
}

// cancelMarket handles a timed-out market round: opens refund their escrow,
// closes simply leave the position open.
func (e *Engine) cancelMarket(requestID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.ledger.TakePendingMarketOrder(requestID)
	if err != nil {
		return
	}
	if o.Open {
		e.refundOpen(o, "price request timed out")
	}
}

func (e *Engine) cancelSlUpdate(requestID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, err := e.ledger.TakePendingSlUpdate(requestID); err == nil {
		e.sink.Publish(SlCanceled{OrderID: requestID, Trader: u.Trader, PairIndex: u.PairIndex, Index: u.Index})
	}
}

func (e *Engine) cancelBot(requestID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, err := e.ledger.TakePendingBotOrder(requestID); err == nil {
		e.cancelBotWith(o, "price request timed out")
	}
}

func (e *Engine) cancelBotWith(o *PendingBotOrder, reason string) {
	e.sink.Publish(BotOrderCanceled{OrderID: o.OrderID, Kind: o.Kind, Trader: o.Trader, Reason: reason})
}

func (e *Engine) refundOpen(o *PendingMarketOrder, reason string) {
	if err := e.ledger.TransferUsdtOut(o.Trade.Trader, o.Trade.PositionSizeUsdt); err != nil {
		e.log.Error("escrow refund failed", "order", o.OrderID, "trader", o.Trade.Trader, "err", err)
	}
	e.sink.Publish(MarketOpenCanceled{OrderID: o.OrderID, Trader: o.Trade.Trader, PairIndex: o.Trade.PairIndex, Reason: reason})
}

func (e *Engine) bumpUpnlRound() {
	e.sink.Publish(UpnlLastIDUpdated{ID: e.ledger.BumpUpnlLastID()})
}

// checkExposure enforces both the configured per-pair OI cap and the
// vault-derived cap on the side's open interest after adding notional.
func (e *Engine) checkExposure(pairIndex int, side Side, notional *big.Int) error {
	after := new(big.Int).Add(e.ledger.OpenInterestUsdt(pairIndex, side), notional)
	if cap := e.pairs.MaxOpenInterest(pairIndex); cap != nil && after.Cmp(cap) > 0 {
		return ErrOutExposureLimits
	}
	if e.cfg.VaultOiMultiplier > 0 {
		vcap := new(big.Int).Mul(e.vault.TotalAssets(), bi(e.cfg.VaultOiMultiplier))
		if after.Cmp(vcap) > 0 {
			return ErrOutExposureLimits
		}
	}
	return nil
}

// checkTpSl validates both bounds against a reference price.
func (e *Engine) checkTpSl(ref, tp, sl *big.Int, buy bool, leverage int64) error {
	if !isZero(tp) {
		if err := e.checkTpBound(ref, tp, buy, leverage); err != nil {
			return err
		}
	}
	if !isZero(sl) {
		if err := e.checkSlBound(ref, sl, buy, leverage); err != nil {
			return err
		}
	}
	return nil
}

// checkTpBound rejects take profits past the max-gain distance or on the
// wrong side of the reference price.
func (e *Engine) checkTpBound(ref, tp *big.Int, buy bool, leverage int64) error {
	max := DefaultTakeProfit(ref, buy, leverage, e.cfg.MaxGainP)
	if buy {
		if tp.Cmp(ref) <= 0 {
			return ErrWrongParams
		}
		if tp.Cmp(max) > 0 {
			return ErrTpTooBig
		}
		return nil
	}
	if tp.Cmp(ref) >= 0 {
		return ErrWrongParams
	}
	if tp.Cmp(max) < 0 {
		return ErrTpTooBig
	}
	return nil
}

// checkSlBound rejects stop losses past the max-loss distance or on the
// wrong side of the reference price.
func (e *Engine) checkSlBound(ref, sl *big.Int, buy bool, leverage int64) error {
	dist := MaxStopLossDistance(ref, leverage, e.cfg.MaxSlP)
	if buy {
		if sl.Cmp(ref) >= 0 {
			return ErrWrongParams
		}
		min := new(big.Int).Sub(ref, dist)
		if sl.Cmp(min) < 0 {
			return ErrSlTooBig
		}
		return nil
	}
	if sl.Cmp(ref) <= 0 {
		return ErrWrongParams
	}
	max := new(big.Int).Add(ref, dist)
	if sl.Cmp(max) > 0 {
		return ErrSlTooBig
	}
	return nil
}

// liquidatable reports whether a position's value at price has hit the floor.
func (e *Engine) liquidatable(t *Trade, price *big.Int) bool {
	params := e.pairs.Params(t.PairIndex)
	info, _ := e.ledger.TradeInfo(t.Trader, t.PairIndex, t.Index)
	var blocks uint64
	if info != nil && e.block > info.OpenBlock {
		blocks = e.block - info.OpenBlock
	}
	rollover := RolloverFee(t.PositionSizeUsdt, params.RolloverFeePerBlockP, blocks)
	funding := FundingFee(t.Notional(), params.FundingFeePerBlockP, blocks)
	p := CurrentPercentProfit(t.OpenPrice, price, t.Buy, t.Leverage, e.cfg.MaxGainP)
	return TradeValue(t.PositionSizeUsdt, p, rollover, funding).Sign() == 0
}

// crossedFavorably reports whether price has reached level in the trader's
// favor.
func crossedFavorably(t *Trade, price, level *big.Int) bool {
	if t.Buy {
		return price.Cmp(level) >= 0
	}
	return price.Cmp(level) <= 0
}

// crossedAdversely reports whether price has reached level against the
// trader.
func crossedAdversely(t *Trade, price, level *big.Int) bool {
	if t.Buy {
		return price.Cmp(level) <= 0
	}
	return price.Cmp(level) >= 0
}

func sideOf(buy bool) Side {
	if buy {
		return Long
	}
	return Short
}

// String renders a close result for logs.
func (r closeResult) String() string {
	return fmt.Sprintf("profit=%s fee=%s sent=%s flow=%s",
		r.percentProfit, r.closeFee, r.sentToTrader, r.vaultFlow)
}
