package perp

import "math/big"

// LiqThresholdP is the collateral fraction (percent) below which a closing
// position is worth nothing to the trader.
const LiqThresholdP = 10

// OpenFee returns collateral x leverage x feeP, where feeP is stored so that
// feeP/Precision/PercentBase is the charged fraction.
func OpenFee(collateral *big.Int, leverage int64, openFeeP *big.Int) *big.Int {
	f := new(big.Int).Mul(collateral, bi(leverage))
	f.Mul(f, openFeeP)
	f.Quo(f, precisionBig)
	return f.Quo(f, percentBaseBig)
}

// CloseFee is the same levied-on-notional formula applied at close.
func CloseFee(collateral *big.Int, leverage int64, closeFeeP *big.Int) *big.Int {
	return OpenFee(collateral, leverage, closeFeeP)
}

// CurrentPercentProfit returns the leveraged price move as a Precision-scaled
// percentage (100% == 100 x Precision), positive in the trader's favor,
// clamped at maxGainP percent. The downside is clamped at -100% by TradeValue
// flooring at zero, not here.
func CurrentPercentProfit(openPrice, currentPrice *big.Int, buy bool, leverage, maxGainP int64) *big.Int {
	diff := new(big.Int).Sub(currentPrice, openPrice)
	if !buy {
		diff.Neg(diff)
	}
	p := diff.Mul(diff, percentBaseBig)
	p.Mul(p, precisionBig)
	p.Mul(p, bi(leverage))
	p.Quo(p, openPrice)
	maxPnl := new(big.Int).Mul(bi(maxGainP), precisionBig)
	if p.Cmp(maxPnl) > 0 {
		return maxPnl
	}
	return p
}

// TradeValue returns what a closing position is worth before the close fee:
// collateral plus the percent profit, minus accrued rollover and funding.
// A value under LiqThresholdP percent of collateral liquidates to zero.
func TradeValue(collateral, percentProfit, rollover, funding *big.Int) *big.Int {
	pnl := new(big.Int).Mul(collateral, percentProfit)
	pnl.Quo(pnl, precisionBig)
	pnl.Quo(pnl, percentBaseBig)
	v := new(big.Int).Add(collateral, pnl)
	v.Sub(v, rollover)
	v.Sub(v, funding)
	floor := new(big.Int).Mul(collateral, bi(LiqThresholdP))
	floor.Quo(floor, percentBaseBig)
	if v.Cmp(floor) < 0 {
		return new(big.Int)
	}
	return v
}

// RolloverFee accrues on collateral per block.
func RolloverFee(collateral, ratePerBlockP *big.Int, blocks uint64) *big.Int {
	f := new(big.Int).Mul(collateral, ratePerBlockP)
	f.Mul(f, new(big.Int).SetUint64(blocks))
	f.Quo(f, precisionBig)
	return f.Quo(f, percentBaseBig)
}

// FundingFee accrues on notional per block. A negative rate pays the side.
func FundingFee(notional, ratePerBlockP *big.Int, blocks uint64) *big.Int {
	f := new(big.Int).Mul(notional, ratePerBlockP)
	f.Mul(f, new(big.Int).SetUint64(blocks))
	f.Quo(f, precisionBig)
	return f.Quo(f, percentBaseBig)
}

// PriceAfterSpread shifts a delivered price against the taker by the pair's
// half-spread.
func PriceAfterSpread(price, spreadP *big.Int, buy bool) *big.Int {
	d := new(big.Int).Mul(price, spreadP)
	d.Quo(d, precisionBig)
	d.Quo(d, percentBaseBig)
	out := clone(price)
	if buy {
		return out.Add(out, d)
	}
	return out.Sub(out, d)
}

// WithinSlippage reports whether an execution price respects the caller's
// slippage bound relative to the wanted price: buys may fill up to
// wanted x (1 + slippageP), sells down to wanted x (1 - slippageP).
func WithinSlippage(wanted, executed, slippageP *big.Int, buy bool) bool {
	if isZero(wanted) {
		return false
	}
	d := new(big.Int).Mul(wanted, slippageP)
	d.Quo(d, precisionBig)
	d.Quo(d, percentBaseBig)
	if buy {
		limit := new(big.Int).Add(wanted, d)
		return executed.Cmp(limit) <= 0
	}
	limit := new(big.Int).Sub(wanted, d)
	return executed.Cmp(limit) >= 0
}

// WithinDeviation reports whether price a stays within maxDeviationP
// (Precision-scaled percent) of reference price b.
func WithinDeviation(a, b, maxDeviationP *big.Int) bool {
	if isZero(b) {
		return false
	}
	if isZero(maxDeviationP) {
		return true
	}
	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)
	diff.Mul(diff, percentBaseBig)
	diff.Mul(diff, precisionBig)
	diff.Quo(diff, b)
	return diff.Cmp(maxDeviationP) <= 0
}

// DefaultTakeProfit returns the price at which a position hits maxGainP
// percent profit, used when a trade is opened with tp == 0.
func DefaultTakeProfit(openPrice *big.Int, buy bool, leverage, maxGainP int64) *big.Int {
	d := new(big.Int).Mul(openPrice, bi(maxGainP))
	d.Quo(d, bi(leverage))
	d.Quo(d, percentBaseBig)
	out := clone(openPrice)
	if buy {
		return out.Add(out, d)
	}
	out.Sub(out, d)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

// MaxStopLossDistance returns how far from the open price a stop loss may sit
// for the given leverage and maxSlP percent bound.
func MaxStopLossDistance(openPrice *big.Int, leverage, maxSlP int64) *big.Int {
	d := new(big.Int).Mul(openPrice, bi(maxSlP))
	d.Quo(d, bi(leverage))
	return d.Quo(d, percentBaseBig)
}
