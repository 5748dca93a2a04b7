package perp

import "math/big"

// Event is a completion or lifecycle notification emitted by the engine.
// Sinks fan events to the journal, the websocket stream and the bus.
type Event interface {
	EventName() string
}

// EventSink consumes engine events. Publish must not block the engine.
type EventSink interface {
	Publish(ev Event)
}

// NopSink drops every event.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(Event) {}

// MultiSink fans one event out to several sinks in order.
type MultiSink []EventSink

// Publish implements EventSink.
func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// MarketOrderInitiated fires when a market open or close enters the price
// round.
type MarketOrderInitiated struct {
	OrderID   uint64
	Trader    string
	PairIndex int
	Open      bool
}

func (MarketOrderInitiated) EventName() string { return "MarketOrderInitiated" }

// MarketExecuted fires when a market order settles. For closes, the payout
// and fee breakdown describe what the trader received.
type MarketExecuted struct {
	OrderID       uint64
	Trade         Trade
	Open          bool
	Price         *big.Int
	PositionSize  *big.Int
	PercentProfit *big.Int // closes only
	CloseFee      *big.Int // closes only
	Rollover      *big.Int // closes only
	Funding       *big.Int // closes only
	SentToTrader  *big.Int // closes only
}

func (MarketExecuted) EventName() string { return "MarketExecuted" }

// MarketOpenCanceled fires when a pending market open fails settlement and
// the escrow is refunded.
type MarketOpenCanceled struct {
	OrderID   uint64
	Trader    string
	PairIndex int
	Reason    string
}

func (MarketOpenCanceled) EventName() string { return "MarketOpenCanceled" }

// OpenLimitPlaced fires when a resting open order is stored.
type OpenLimitPlaced struct {
	Trader    string
	PairIndex int
	Index     int
	Price     *big.Int
}

func (OpenLimitPlaced) EventName() string { return "OpenLimitPlaced" }

// OpenLimitUpdated fires when a resting open order changes price or bounds.
type OpenLimitUpdated struct {
	Trader    string
	PairIndex int
	Index     int
	NewPrice  *big.Int
	NewTP     *big.Int
	NewSL     *big.Int
}

func (OpenLimitUpdated) EventName() string { return "OpenLimitUpdated" }

// OpenLimitCanceled fires when a resting open order is withdrawn and its
// escrow refunded.
type OpenLimitCanceled struct {
	Trader    string
	PairIndex int
	Index     int
}

func (OpenLimitCanceled) EventName() string { return "OpenLimitCanceled" }

// TpUpdated fires on a synchronous take-profit change.
type TpUpdated struct {
	Trader    string
	PairIndex int
	Index     int
	NewTP     *big.Int
}

func (TpUpdated) EventName() string { return "TpUpdated" }

// SlUpdateInitiated fires when a non-zero stop-loss change enters its price
// round.
type SlUpdateInitiated struct {
	OrderID   uint64
	Trader    string
	PairIndex int
	Index     int
	NewSL     *big.Int
}

func (SlUpdateInitiated) EventName() string { return "SlUpdateInitiated" }

// SlUpdated fires when a stop-loss change is applied.
type SlUpdated struct {
	Trader    string
	PairIndex int
	Index     int
	NewSL     *big.Int
}

func (SlUpdated) EventName() string { return "SlUpdated" }

// SlCanceled fires when a stop-loss change is rejected at settlement because
// the live price had already crossed it.
type SlCanceled struct {
	OrderID   uint64
	Trader    string
	PairIndex int
	Index     int
}

func (SlCanceled) EventName() string { return "SlCanceled" }

// BotOrderInitiated fires when an authorized executor triggers a TP/SL/LIQ/
// limit-open and the price round opens.
type BotOrderInitiated struct {
	OrderID   uint64
	Kind      BotOrderKind
	Trader    string
	PairIndex int
	Index     int
}

func (BotOrderInitiated) EventName() string { return "BotOrderInitiated" }

// LimitExecuted fires when a bot-triggered order settles.
type LimitExecuted struct {
	OrderID       uint64
	Kind          BotOrderKind
	Trade         Trade
	Price         *big.Int
	PositionSize  *big.Int
	PercentProfit *big.Int
	SentToTrader  *big.Int
}

func (LimitExecuted) EventName() string { return "LimitExecuted" }

// BotOrderCanceled fires when a bot trigger fails settlement.
type BotOrderCanceled struct {
	OrderID uint64
	Kind    BotOrderKind
	Trader  string
	Reason  string
}

func (BotOrderCanceled) EventName() string { return "BotOrderCanceled" }

// AdlClosingExecuted fires once per position in a settled deleverage batch.
type AdlClosingExecuted struct {
	OrderID       uint64
	Type          AdlType
	Trade         Trade
	Price         *big.Int
	PercentProfit *big.Int
	SentToTrader  *big.Int
}

func (AdlClosingExecuted) EventName() string { return "AdlClosingExecuted" }

// AdlUsdtFlow reports the net vault flow of a settled deleverage batch.
// Positive means assets flowed into the vault.
type AdlUsdtFlow struct {
	OrderID uint64
	Net     *big.Int
}

func (AdlUsdtFlow) EventName() string { return "AdlUsdtFlow" }

// UpnlLastIDUpdated fires whenever a settled execution advances the round
// counter downstream uPnL feeds key their snapshots on.
type UpnlLastIDUpdated struct {
	ID uint64
}

func (UpnlLastIDUpdated) EventName() string { return "UpnlLastIdUpdated" }

// VaultDepositApplied fires when a deposit request opens.
type VaultDepositApplied struct {
	RequestID uint64
	Trader    string
	Assets    *big.Int
}

func (VaultDepositApplied) EventName() string { return "VaultDepositApplied" }

// VaultDepositSettled fires when the uPnL feed settles a deposit.
type VaultDepositSettled struct {
	RequestID uint64
	Trader    string
	Assets    *big.Int
	Shares    *big.Int
}

func (VaultDepositSettled) EventName() string { return "VaultDepositSettled" }

// VaultWithdrawApplied fires when a withdrawal request opens.
type VaultWithdrawApplied struct {
	RequestID uint64
	Trader    string
	Shares    *big.Int
}

func (VaultWithdrawApplied) EventName() string { return "VaultWithdrawApplied" }

// VaultWithdrawSettled fires when the uPnL feed settles a withdrawal.
type VaultWithdrawSettled struct {
	RequestID uint64
	Trader    string
	Shares    *big.Int
	Assets    *big.Int
}

func (VaultWithdrawSettled) EventName() string { return "VaultWithdrawSettled" }

// VaultApplyCanceled fires when the owner cancels an unsettled request.
type VaultApplyCanceled struct {
	RequestID uint64
	Trader    string
	Withdraw  bool
}

func (VaultApplyCanceled) EventName() string { return "VaultApplyCanceled" }
