// Package perp implements the PairEx position settlement engine: order
// admission and lifecycle, oracle-mediated two-phase price resolution,
// fee/PnL computation, exposure-based admission control, auto-deleverage
// and the liquidity vault share accounting.
package perp

import (
	"math/big"
	"time"
)

// Percentage values are scaled integers: Precision == 100% of a price move,
// and fee percentages are stored so that feeP/Precision/100 is the charged
// fraction (openFeeP 800000000 == 0.08%). Asset amounts carry 6 decimals.
const (
	Precision   = 1e10
	AssetScale  = 1e6
	PercentBase = 100
)

// precisionBig is Precision as a big.Int, shared by all fee/PnL math.
var precisionBig = big.NewInt(Precision)

var percentBaseBig = big.NewInt(PercentBase)

// Side of a position.
type Side int

const (
	Short Side = iota
	Long
)

func (s Side) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// OrderType selects how an open intent is admitted.
type OrderType int

const (
	OrderMarket OrderType = iota
	OrderLimit
)

// BotOrderKind identifies which trigger an authorized executor fires.
type BotOrderKind int

const (
	BotOrderTP BotOrderKind = iota
	BotOrderSL
	BotOrderLiq
	BotOrderLimitOpen
)

func (k BotOrderKind) String() string {
	switch k {
	case BotOrderTP:
		return "tp"
	case BotOrderSL:
		return "sl"
	case BotOrderLiq:
		return "liq"
	case BotOrderLimitOpen:
		return "limit-open"
	}
	return "unknown"
}

// AdlType labels a forced close: profitable positions flow assets out of the
// vault, losing positions flow assets back in. The close formula is identical.
type AdlType int

const (
	AdlProfit AdlType = iota
	AdlLoss
)

// FeedMode selects how a pair combines its two price feeds.
type FeedMode int

const (
	FeedSingle FeedMode = iota
	FeedInvert
	FeedCombine
)

// Feed describes a pair's price sources and the acceptance bound applied to
// delivered prices.
type Feed struct {
	Feed1         string
	Feed2         string
	Mode          FeedMode
	MaxDeviationP *big.Int // Precision-scaled percentage
}

// Pair is one tradable instrument. Immutable while referenced by an open
// position except through a gov-authorized update.
type Pair struct {
	Base       string
	Quote      string
	Feed       Feed
	SpreadP    *big.Int
	GroupIndex int
	FeeIndex   int
}

func (p Pair) Name() string {
	return p.Base + "/" + p.Quote
}

// Group bounds leverage for a family of pairs.
type Group struct {
	Name           string
	MinLeverage    int64
	MaxLeverage    int64
	MaxCollateralP int64
}

// FeeSchedule carries the Precision-scaled fee percentages for a pair group.
type FeeSchedule struct {
	Name           string
	OpenFeeP       *big.Int
	CloseFeeP      *big.Int
	OracleFeeP     *big.Int
	LimitOrderFeeP *big.Int
	ReferralFeeP   *big.Int
	MinLevPosUsdt  *big.Int // minimum collateral x leverage
}

// PairParams carries per-pair accrual rates and synthetic depth.
type PairParams struct {
	OnePercentDepthAbove *big.Int
	OnePercentDepthBelow *big.Int
	RolloverFeePerBlockP *big.Int // charged on collateral
	FundingFeePerBlockP  *big.Int // charged on notional
}

// Trade is an open position. PositionSizeUsdt is the collateral remaining
// after the open fee; notional is PositionSizeUsdt x Leverage.
type Trade struct {
	Trader           string
	PairIndex        int
	Index            int
	PositionSizeUsdt *big.Int
	OpenPrice        *big.Int
	Buy              bool
	Leverage         int64
	TP               *big.Int
	SL               *big.Int
}

// Side returns the position side implied by Buy.
func (t *Trade) Side() Side {
	if t.Buy {
		return Long
	}
	return Short
}

// Notional returns collateral x leverage.
func (t *Trade) Notional() *big.Int {
	return new(big.Int).Mul(t.PositionSizeUsdt, big.NewInt(t.Leverage))
}

// TradeInfo is ledger-side bookkeeping attached to an open trade.
type TradeInfo struct {
	OpenBlock       uint64
	OpenedAt        time.Time
	RolloverAccrued *big.Int
	FundingAccrued  *big.Int
}

// TradeRequest is the intent submitted to OpenTrade before any fee is taken:
// PositionSizeUsdt is the full escrowed collateral.
type TradeRequest struct {
	Trader           string
	PairIndex        int
	Index            int
	PositionSizeUsdt *big.Int
	OpenPrice        *big.Int // wanted price (market) or trigger price (limit)
	Buy              bool
	Leverage         int64
	TP               *big.Int
	SL               *big.Int
}

// OpenLimitOrder is a resting open order waiting for its trigger price.
type OpenLimitOrder struct {
	Trader           string
	PairIndex        int
	Index            int
	PositionSizeUsdt *big.Int
	Price            *big.Int
	SlippageP        *big.Int
	Buy              bool
	Leverage         int64
	TP               *big.Int
	SL               *big.Int
	PlacedBlock      uint64
}

// PendingMarketOrder correlates one oracle round with a market open or close.
type PendingMarketOrder struct {
	OrderID   uint64
	Trade     TradeRequest
	Open      bool
	SlippageP *big.Int
	CreatedAt time.Time
}

// PendingBotOrder correlates one oracle round with a bot-triggered execution.
type PendingBotOrder struct {
	OrderID   uint64
	Kind      BotOrderKind
	Executor  string
	Trader    string
	PairIndex int
	Index     int
	CreatedAt time.Time
}

// PendingSlUpdate correlates one oracle round with a stop-loss update that
// must be checked against the live price before it is applied.
type PendingSlUpdate struct {
	OrderID   uint64
	Trader    string
	PairIndex int
	Index     int
	NewSl     *big.Int
	CreatedAt time.Time
}

// AdlItem names one position inside a batch ADL close.
type AdlItem struct {
	Type      AdlType
	Trader    string
	PairIndex int
	Index     int
}

// PendingAdlBatch correlates one batch oracle round with a set of forced
// closes settled at the same prices.
type PendingAdlBatch struct {
	OrderID     uint64
	Items       []AdlItem
	PairIndices []int
	CreatedAt   time.Time
}

// bi is shorthand for big.NewInt in fee math and tests.
func bi(v int64) *big.Int { return big.NewInt(v) }

// mulDiv returns a*b/c without intermediate overflow.
func mulDiv(a, b, c *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Quo(r, c)
}

// clone returns a defensive copy of v, treating nil as zero.
func clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// isZero reports whether v is nil or zero.
func isZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}
