package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/pairex/perp/pkg/perp"
)

// NATS subjects. Oracle traffic is pub/sub, trading is request/reply.
const (
	subjOracleRequest = "px.oracle.request"
	subjOracleAnswer  = "px.oracle.answer"
	subjTradeOpen     = "px.trade.open"
	subjTradeClose    = "px.trade.close"
	subjTradeTp       = "px.trade.tp"
	subjTradeSl       = "px.trade.sl"
	subjLimitUpdate   = "px.limit.update"
	subjLimitCancel   = "px.limit.cancel"
	subjBotExecute    = "px.bot.execute"
	subjAdlExecute    = "px.adl.execute"
	subjVaultApply    = "px.vault.apply"
	subjVaultCancel   = "px.vault.cancel"
	subjVaultRun      = "px.vault.run"
	subjEventPrefix   = "px.events."
)

// oracleRequestMsg is broadcast to price nodes when a round opens.
type oracleRequestMsg struct {
	RequestID   uint64 `json:"requestId"`
	PairIndices []int  `json:"pairIndices"`
}

// oracleAnswerMsg is one node's reply, prices aligned with the request's
// pair order. Prices are 1e10-scaled decimal strings.
type oracleAnswerMsg struct {
	RequestID uint64   `json:"requestId"`
	NodeID    string   `json:"nodeId"`
	Prices    []string `json:"prices"`
}

type openRequestMsg struct {
	Trader    string `json:"trader"`
	PairIndex int    `json:"pairIndex"`
	Index     int    `json:"index"`
	Amount    string `json:"amount"` // 6-decimal scaled collateral
	Price     string `json:"price"`  // 1e10-scaled wanted/trigger price
	Buy       bool   `json:"buy"`
	Leverage  int64  `json:"leverage"`
	TP        string `json:"tp"`
	SL        string `json:"sl"`
	Limit     bool   `json:"limit"`
	SlippageP string `json:"slippageP"`
}

type positionRefMsg struct {
	Trader    string `json:"trader"`
	PairIndex int    `json:"pairIndex"`
	Index     int    `json:"index"`
	Price     string `json:"price,omitempty"` // new TP/SL or limit price
	TP        string `json:"tp,omitempty"`
	SL        string `json:"sl,omitempty"`
}

type botRequestMsg struct {
	Executor  string `json:"executor"`
	Kind      string `json:"kind"` // tp, sl, liq, limit-open
	Trader    string `json:"trader"`
	PairIndex int    `json:"pairIndex"`
	Index     int    `json:"index"`
}

type adlRequestMsg struct {
	Executor    string   `json:"executor"`
	Types       []string `json:"types"` // profit or loss per position
	Traders     []string `json:"traders"`
	PairIndices []int    `json:"pairIndices"`
	Indices     []int    `json:"indices"`
}

type vaultApplyMsg struct {
	Trader   string `json:"trader"`
	Amount   string `json:"amount"` // collateral for deposits, shares for withdrawals
	Withdraw bool   `json:"withdraw"`
}

type vaultCancelMsg struct {
	Trader    string `json:"trader"`
	RequestID uint64 `json:"requestId"`
}

// vaultRunMsg settles a pending request. Only the uPnL feed address passes
// the vault's authorization check; Proof is hex-encoded.
type vaultRunMsg struct {
	Caller    string `json:"caller"`
	RequestID uint64 `json:"requestId"`
	Withdraw  bool   `json:"withdraw"`
	Upnl      string `json:"upnl"`
	Proof     string `json:"proof"`
}

type replyMsg struct {
	OrderID uint64 `json:"orderId,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// natsBridge carries oracle rounds and trading intents over NATS. It
// implements perp.NodeTransport for the outbound leg.
type natsBridge struct {
	nc     *nats.Conn
	logger log.Logger
	subs   []*nats.Subscription
}

func newNatsBridge(url string, logger log.Logger) (*natsBridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpd"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &natsBridge{nc: nc, logger: logger}, nil
}

// Broadcast implements perp.NodeTransport.
func (b *natsBridge) Broadcast(requestID uint64, pairIndices []int) error {
	data, err := json.Marshal(oracleRequestMsg{RequestID: requestID, PairIndices: pairIndices})
	if err != nil {
		return err
	}
	return b.nc.Publish(subjOracleRequest, data)
}

// start wires the inbound subscriptions.
func (b *natsBridge) start(oracle *perp.Oracle, engine *perp.Engine, adl *perp.AdlEngine, vault *perp.Vault) error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{subjOracleAnswer, b.handleAnswer(oracle)},
		{subjTradeOpen, b.handleOpen(engine)},
		{subjTradeClose, b.handleClose(engine)},
		{subjTradeTp, b.handleUpdateTp(engine)},
		{subjTradeSl, b.handleUpdateSl(engine)},
		{subjLimitUpdate, b.handleLimitUpdate(engine)},
		{subjLimitCancel, b.handleLimitCancel(engine)},
		{subjBotExecute, b.handleBot(engine)},
		{subjAdlExecute, b.handleAdl(adl)},
		{subjVaultApply, b.handleVaultApply(vault)},
		{subjVaultCancel, b.handleVaultCancel(vault)},
		{subjVaultRun, b.handleVaultRun(vault)},
	}

	for _, h := range handlers {
		sub, err := b.nc.Subscribe(h.subject, h.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		b.subs = append(b.subs, sub)
	}

	b.logger.Info("NATS bridge started", "subjects", len(handlers))
	return nil
}

func (b *natsBridge) stop() {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.nc.Drain()
}

func (b *natsBridge) handleAnswer(oracle *perp.Oracle) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg oracleAnswerMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("Malformed oracle answer", "error", err)
			return
		}
		prices := make([]*big.Int, len(msg.Prices))
		for i, p := range msg.Prices {
			prices[i] = parseBig(p)
		}
		if err := oracle.SubmitAnswer(msg.RequestID, msg.NodeID, prices); err != nil {
			b.logger.Debug("Oracle answer rejected",
				"requestId", msg.RequestID, "node", msg.NodeID, "error", err)
		}
	}
}

func (b *natsBridge) handleOpen(engine *perp.Engine) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg openRequestMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.replyError(m, err)
			return
		}
		req := perp.TradeRequest{
			Trader:           msg.Trader,
			PairIndex:        msg.PairIndex,
			Index:            msg.Index,
			PositionSizeUsdt: parseBig(msg.Amount),
			OpenPrice:        parseBig(msg.Price),
			Buy:              msg.Buy,
			Leverage:         msg.Leverage,
			TP:               parseBig(msg.TP),
			SL:               parseBig(msg.SL),
		}
		orderType := perp.OrderMarket
		if msg.Limit {
			orderType = perp.OrderLimit
		}
		id, err := engine.OpenTrade(req, orderType, parseBig(msg.SlippageP))
		b.reply(m, id, err)
	}
}

func (b *natsBridge) handleClose(engine *perp.Engine) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg positionRefMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.replyError(m, err)
			return
		}
		id, err := engine.CloseTradeMarket(msg.Trader, msg.PairIndex, msg.Index)
		b.reply(m, id, err)
	}
}

func (b *natsBridge) handleUpdateTp(engine *perp.Engine) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg positionRefMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.replyError(m, err)
			return
		}
		err := engine.UpdateTp(msg.Trader, msg.PairIndex, msg.Index, parseBig(msg.Price))
		b.reply(m, 0, err)
	}
}

func (b *natsBridge) handleUpdateSl(engine *perp.Engine) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg positionRefMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.replyError(m, err)
			return
		}
		id, err := engine.UpdateSl(msg.Trader, msg.PairIndex, msg.Index, parseBig(msg.Price))
		b.reply(m, id, err)
	}
}

func (b *natsBridge) handleLimitUpdate(engine *perp.Engine) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg positionRefMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.replyError(m, err)
			return
		}
		err := engine.UpdateOpenLimitOrder(msg.Trader, msg.PairIndex, msg.Index,
			parseBig(msg.Price), parseBig(msg.TP), parseBig(msg.SL))
		b.reply(m, 0, err)
	}
}

func (b *natsBridge) handleLimitCancel(engine *perp.Engine) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg positionRefMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.replyError(m, err)
			return
		}
		err := engine.CancelOpenLimitOrder(msg.Trader, msg.PairIndex, msg.Index)
		b.reply(m, 0, err)
	}
}

func (b *natsBridge) handleBot(engine *perp.Engine) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg botRequestMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.replyError(m, err)
			return
		}
		kind, err := botKind(msg.Kind)
		if err != nil {
			b.replyError(m, err)
			return
		}
		id, err := engine.ExecuteBotOrder(msg.Executor, kind, msg.Trader, msg.PairIndex, msg.Index)
		b.reply(m, id, err)
	}
}

func (b *natsBridge) handleAdl(adl *perp.AdlEngine) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg adlRequestMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.replyError(m, err)
			return
		}
		types := make([]perp.AdlType, len(msg.Types))
		for i, t := range msg.Types {
			if t == "loss" {
				types[i] = perp.AdlLoss
			} else {
				types[i] = perp.AdlProfit
			}
		}
		id, err := adl.ExecuteAdlOrder(msg.Executor, types, msg.Traders, msg.PairIndices, msg.Indices)
		b.reply(m, id, err)
	}
}

func (b *natsBridge) handleVaultApply(vault *perp.Vault) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg vaultApplyMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.replyError(m, err)
			return
		}
		var id uint64
		var err error
		if msg.Withdraw {
			id, err = vault.ApplyWithdraw(msg.Trader, parseBig(msg.Amount))
		} else {
			id, err = vault.ApplyDeposit(msg.Trader, parseBig(msg.Amount))
		}
		b.reply(m, id, err)
	}
}

func (b *natsBridge) handleVaultCancel(vault *perp.Vault) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg vaultCancelMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.replyError(m, err)
			return
		}
		b.reply(m, msg.RequestID, vault.CancelApply(msg.Trader, msg.RequestID))
	}
}

func (b *natsBridge) handleVaultRun(vault *perp.Vault) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg vaultRunMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.replyError(m, err)
			return
		}
		proof, err := hex.DecodeString(msg.Proof)
		if err != nil {
			b.replyError(m, err)
			return
		}
		if msg.Withdraw {
			_, err = vault.RunWithdraw(msg.Caller, msg.RequestID, parseBig(msg.Upnl), proof)
		} else {
			_, err = vault.RunDeposit(msg.Caller, msg.RequestID, parseBig(msg.Upnl), proof)
		}
		b.reply(m, msg.RequestID, err)
	}
}

func (b *natsBridge) reply(m *nats.Msg, orderID uint64, err error) {
	if m.Reply == "" {
		return
	}
	resp := replyMsg{OrderID: orderID, Status: "accepted"}
	if err != nil {
		resp = replyMsg{Status: "rejected", Error: err.Error()}
	}
	data, _ := json.Marshal(resp)
	if err := m.Respond(data); err != nil {
		b.logger.Warn("Failed to send reply", "subject", m.Subject, "error", err)
	}
}

func (b *natsBridge) replyError(m *nats.Msg, err error) {
	b.reply(m, 0, err)
}

// eventSink returns a sink that republishes engine events on
// px.events.<Name> for external consumers.
func (b *natsBridge) eventSink() perp.EventSink {
	return &natsEventSink{bridge: b}
}

type natsEventSink struct {
	bridge *natsBridge
}

func (s *natsEventSink) Publish(ev perp.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.bridge.logger.Error("Failed to marshal event", "name", ev.EventName(), "error", err)
		return
	}
	if err := s.bridge.nc.Publish(subjEventPrefix+ev.EventName(), data); err != nil {
		s.bridge.logger.Warn("Failed to publish event", "name", ev.EventName(), "error", err)
	}
}

func botKind(s string) (perp.BotOrderKind, error) {
	switch s {
	case "tp":
		return perp.BotOrderTP, nil
	case "sl":
		return perp.BotOrderSL, nil
	case "liq":
		return perp.BotOrderLiq, nil
	case "limit-open":
		return perp.BotOrderLimitOpen, nil
	}
	return 0, fmt.Errorf("unknown bot order kind %q", s)
}
