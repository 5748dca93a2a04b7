package perp

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenTradeValidation(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	base := TradeRequest{
		Trader:           traderAddr,
		PairIndex:        0,
		PositionSizeUsdt: usdt(1000),
		OpenPrice:        price10(50_000),
		Buy:              true,
		Leverage:         10,
	}

	cases := []struct {
		name string
		mod  func(r *TradeRequest)
		want error
	}{
		{"pair not listed", func(r *TradeRequest) { r.PairIndex = 9 }, ErrPairNotListed},
		{"leverage below group min", func(r *TradeRequest) { r.Leverage = 1 }, ErrLeverageIncorrect},
		{"leverage above group max", func(r *TradeRequest) { r.Leverage = 200 }, ErrLeverageIncorrect},
		{"below min notional", func(r *TradeRequest) { r.PositionSizeUsdt = usdt(40) }, ErrPositionSizeTooSmall},
		{"above max notional", func(r *TradeRequest) {
			r.PositionSizeUsdt = usdt(10_000)
			r.Leverage = 100
		}, ErrPositionSizeTooBig},
		{"tp beyond max gain", func(r *TradeRequest) { r.TP = price10(96_000) }, ErrTpTooBig},
		{"tp on wrong side", func(r *TradeRequest) { r.TP = price10(49_000) }, ErrWrongParams},
		{"sl beyond max loss", func(r *TradeRequest) { r.SL = price10(46_000) }, ErrSlTooBig},
		{"sl on wrong side", func(r *TradeRequest) { r.SL = price10(51_000) }, ErrWrongParams},
		{"zero collateral", func(r *TradeRequest) { r.PositionSizeUsdt = new(big.Int) }, ErrWrongParams},
		{"exposure over vault cap", func(r *TradeRequest) {
			r.PositionSizeUsdt = usdt(1600)
		}, ErrOutExposureLimits},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mod(&req)
			before := rig.usdt.BalanceOf(traderAddr)
			_, err := rig.engine.OpenTrade(req, OrderMarket, price10(1))
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, before, rig.usdt.BalanceOf(traderAddr), "rejected intake must not move funds")
			assert.Empty(t, rig.ledger.TradesOf(traderAddr, 0))
		})
	}
}

func TestOpenTradeMaxSlotsPerPair(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	for i := 0; i < MaxTradesPerPair; i++ {
		rig.openMarket(t, traderAddr, usdt(550), 2, true, price10(50_000), price10(50_000))
	}
	_, err := rig.engine.OpenTrade(TradeRequest{
		Trader:           traderAddr,
		PairIndex:        0,
		PositionSizeUsdt: usdt(550),
		OpenPrice:        price10(50_000),
		Buy:              true,
		Leverage:         2,
	}, OrderMarket, price10(1))
	assert.ErrorIs(t, err, ErrMaxTradesPerPair)
}

func TestMarketOpenSettlement(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))

	tr := rig.openMarket(t, traderAddr, usdt(1000), 10, true, price10(50_000), price10(50_000))

	assert.Equal(t, usdt(992), tr.PositionSizeUsdt, "0.08%% open fee on 10000 notional is 8 USDT")
	assert.Equal(t, price10(50_000), tr.OpenPrice)
	assert.Equal(t, usdt(8), rig.ledger.PlatformFee())
	assert.Equal(t, usdt(19_000), rig.usdt.BalanceOf(traderAddr))
	assert.Equal(t, usdt(9920), rig.ledger.OpenInterestUsdt(0, Long))
	assert.Equal(t, price10(95_000), tr.TP, "zero tp defaults to max gain")

	ev, ok := rig.sink.last("MarketExecuted").(MarketExecuted)
	require.True(t, ok)
	assert.True(t, ev.Open)
	assert.Equal(t, uint64(1), rig.ledger.UpnlLastID())
}

func TestMarketOpenCanceled(t *testing.T) {
	t.Run("slippage exceeded refunds escrow", func(t *testing.T) {
		rig := newTestRig(t)
		rig.fund(traderAddr, usdt(20_000))
		id, err := rig.engine.OpenTrade(TradeRequest{
			Trader:           traderAddr,
			PairIndex:        0,
			PositionSizeUsdt: usdt(1000),
			OpenPrice:        price10(50_000),
			Buy:              true,
			Leverage:         10,
		}, OrderMarket, price10(1))
		require.NoError(t, err)
		assert.Equal(t, usdt(19_000), rig.usdt.BalanceOf(traderAddr), "escrowed during the round")

		rig.answer(t, id, price10(50_501))
		assert.Equal(t, usdt(20_000), rig.usdt.BalanceOf(traderAddr))
		assert.Empty(t, rig.ledger.TradesOf(traderAddr, 0))
		ev, ok := rig.sink.last("MarketOpenCanceled").(MarketOpenCanceled)
		require.True(t, ok)
		assert.Equal(t, ErrSlippageExceeded.Error(), ev.Reason)
	})

	t.Run("price deviation refunds escrow", func(t *testing.T) {
		rig := newTestRig(t)
		rig.fund(traderAddr, usdt(20_000))
		id, err := rig.engine.OpenTrade(TradeRequest{
			Trader:           traderAddr,
			PairIndex:        0,
			PositionSizeUsdt: usdt(1000),
			OpenPrice:        price10(50_000),
			Buy:              false,
			Leverage:         10,
		}, OrderMarket, price10(1))
		require.NoError(t, err)
		rig.answer(t, id, price10(60_000))
		assert.Equal(t, usdt(20_000), rig.usdt.BalanceOf(traderAddr))
		ev, ok := rig.sink.last("MarketOpenCanceled").(MarketOpenCanceled)
		require.True(t, ok)
		assert.Equal(t, ErrPriceDeviation.Error(), ev.Reason)
	})

	t.Run("timeout refunds escrow", func(t *testing.T) {
		rig := newTestRig(t)
		rig.fund(traderAddr, usdt(20_000))
		_, err := rig.engine.OpenTrade(TradeRequest{
			Trader:           traderAddr,
			PairIndex:        0,
			PositionSizeUsdt: usdt(1000),
			OpenPrice:        price10(50_000),
			Buy:              true,
			Leverage:         10,
		}, OrderMarket, price10(1))
		require.NoError(t, err)
		assert.Equal(t, 1, rig.engine.CancelExpiredRounds(time.Now().Add(time.Minute)))
		assert.Equal(t, usdt(20_000), rig.usdt.BalanceOf(traderAddr))
	})
}

func TestMarketCloseFlat(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	tr := rig.openMarket(t, traderAddr, usdt(1000), 10, true, price10(50_000), price10(50_000))

	id, err := rig.engine.CloseTradeMarket(traderAddr, 0, tr.Index)
	require.NoError(t, err)
	rig.answer(t, id, price10(50_000))

	// 992 collateral minus the 7.936 close fee comes back.
	want := new(big.Int).Add(usdt(19_000), big.NewInt(984_064_000))
	assert.Equal(t, want, rig.usdt.BalanceOf(traderAddr))
	assert.Empty(t, rig.ledger.TradesOf(traderAddr, 0))
	assert.Zero(t, rig.ledger.OpenInterestUsdt(0, Long).Sign())
	assert.Equal(t, usdt(1500), rig.vault.TotalAssets(), "flat close leaves the vault untouched")

	ev, ok := rig.sink.last("MarketExecuted").(MarketExecuted)
	require.True(t, ok)
	assert.False(t, ev.Open)
	assert.Equal(t, big.NewInt(7_936_000), ev.CloseFee)
	assert.Equal(t, big.NewInt(984_064_000), ev.SentToTrader)
	assert.Zero(t, ev.PercentProfit.Sign())
}

func TestMarketCloseProfitPaidByVault(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	tr := rig.openMarket(t, traderAddr, usdt(1000), 10, true, price10(50_000), price10(50_000))

	id, err := rig.engine.CloseTradeMarket(traderAddr, 0, tr.Index)
	require.NoError(t, err)
	rig.answer(t, id, price10(55_000))

	// +10% price at 10x doubles the 992 collateral; fee 7.936 off the top.
	sent := big.NewInt(1_976_064_000)
	want := new(big.Int).Add(usdt(19_000), sent)
	assert.Equal(t, want, rig.usdt.BalanceOf(traderAddr))
	assert.Equal(t, usdt(508), rig.vault.TotalAssets(), "vault funds the 992 excess")
}

func TestMarketCloseCapsPayoutAtVaultHoldings(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	tr := rig.openMarket(t, traderAddr, usdt(1000), 10, true, price10(50_000), price10(50_000))

	id, err := rig.engine.CloseTradeMarket(traderAddr, 0, tr.Index)
	require.NoError(t, err)
	rig.answer(t, id, price10(100_000))

	// The clamped 900% gain owes 9912.064, but escrow covers only 984.064
	// and the vault holds 1500: the payout stops at 2484.064.
	sent := big.NewInt(2_484_064_000)
	want := new(big.Int).Add(usdt(19_000), sent)
	assert.Equal(t, want, rig.usdt.BalanceOf(traderAddr))
	assert.Zero(t, rig.vault.TotalAssets().Sign(), "vault fully drained")
	assert.Empty(t, rig.ledger.TradesOf(traderAddr, 0))

	ev, ok := rig.sink.last("MarketExecuted").(MarketExecuted)
	require.True(t, ok)
	assert.Equal(t, sent, ev.SentToTrader, "settled figure reports the capped amount")
	assert.Equal(t, big.NewInt(7_936_000), ev.CloseFee)
}

func TestMarketCloseLiquidatedToVault(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	tr := rig.openMarket(t, traderAddr, usdt(1000), 10, true, price10(50_000), price10(50_000))

	id, err := rig.engine.CloseTradeMarket(traderAddr, 0, tr.Index)
	require.NoError(t, err)
	rig.answer(t, id, price10(45_000))

	assert.Equal(t, usdt(19_000), rig.usdt.BalanceOf(traderAddr), "wiped position pays nothing")
	assert.Equal(t, usdt(2492), rig.vault.TotalAssets(), "full collateral flows to the vault, no close fee")
	ev := rig.sink.last("MarketExecuted").(MarketExecuted)
	assert.Zero(t, ev.SentToTrader.Sign())
	assert.Zero(t, ev.CloseFee.Sign())
}

func TestSettlementIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	id, err := rig.engine.OpenTrade(TradeRequest{
		Trader:           traderAddr,
		PairIndex:        0,
		PositionSizeUsdt: usdt(1000),
		OpenPrice:        price10(50_000),
		Buy:              true,
		Leverage:         10,
	}, OrderMarket, price10(1))
	require.NoError(t, err)
	rig.answer(t, id, price10(50_000))

	err = rig.oracle.SubmitAnswer(id, nodeAddr, []*big.Int{price10(50_000)})
	assert.ErrorIs(t, err, ErrRequestNotFound, "settled rounds are gone")
	assert.Len(t, rig.ledger.TradesOf(traderAddr, 0), 1)
	assert.Len(t, rig.sink.named("MarketExecuted"), 1)
}

func TestUpdateTp(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	tr := rig.openMarket(t, traderAddr, usdt(1000), 10, true, price10(50_000), price10(50_000))

	t.Run("bound checked", func(t *testing.T) {
		err := rig.engine.UpdateTp(traderAddr, 0, tr.Index, price10(96_000))
		assert.ErrorIs(t, err, ErrTpTooBig)
	})

	t.Run("applies synchronously", func(t *testing.T) {
		require.NoError(t, rig.engine.UpdateTp(traderAddr, 0, tr.Index, price10(60_000)))
		got, _ := rig.ledger.Trade(traderAddr, 0, tr.Index)
		assert.Equal(t, price10(60_000), got.TP)
	})

	t.Run("unknown position", func(t *testing.T) {
		err := rig.engine.UpdateTp(traderAddr, 0, 2, price10(60_000))
		assert.ErrorIs(t, err, ErrNoTrade)
	})
}

func TestUpdateSl(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	tr := rig.openMarket(t, traderAddr, usdt(1000), 10, true, price10(50_000), price10(50_000))

	t.Run("disable is synchronous", func(t *testing.T) {
		id, err := rig.engine.UpdateSl(traderAddr, 0, tr.Index, new(big.Int))
		require.NoError(t, err)
		assert.Zero(t, id)
	})

	t.Run("bound checked before the round", func(t *testing.T) {
		_, err := rig.engine.UpdateSl(traderAddr, 0, tr.Index, price10(46_000))
		assert.ErrorIs(t, err, ErrSlTooBig)
	})

	t.Run("applied when price clear of the stop", func(t *testing.T) {
		id, err := rig.engine.UpdateSl(traderAddr, 0, tr.Index, price10(48_000))
		require.NoError(t, err)
		rig.answer(t, id, price10(50_000))
		got, _ := rig.ledger.Trade(traderAddr, 0, tr.Index)
		assert.Equal(t, price10(48_000), got.SL)
	})

	t.Run("rejected when price already crossed", func(t *testing.T) {
		id, err := rig.engine.UpdateSl(traderAddr, 0, tr.Index, price10(49_500))
		require.NoError(t, err)
		rig.answer(t, id, price10(49_000))
		got, _ := rig.ledger.Trade(traderAddr, 0, tr.Index)
		assert.Equal(t, price10(48_000), got.SL, "crossed stop keeps the old level")
		assert.NotEmpty(t, rig.sink.named("SlCanceled"))
	})
}

func TestOpenLimitLifecycle(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))

	_, err := rig.engine.OpenTrade(TradeRequest{
		Trader:           traderAddr,
		PairIndex:        0,
		PositionSizeUsdt: usdt(1000),
		OpenPrice:        price10(48_000),
		Buy:              true,
		Leverage:         10,
	}, OrderLimit, price10(1))
	require.NoError(t, err)
	assert.Equal(t, usdt(19_000), rig.usdt.BalanceOf(traderAddr), "limit orders escrow at placement")
	assert.NotEmpty(t, rig.sink.named("OpenLimitPlaced"))

	t.Run("update in place", func(t *testing.T) {
		require.NoError(t, rig.engine.UpdateOpenLimitOrder(traderAddr, 0, 0, price10(47_000), new(big.Int), new(big.Int)))
		o, err := rig.ledger.OpenLimitOrder(traderAddr, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, price10(47_000), o.Price)
	})

	t.Run("bot trigger converts to a position", func(t *testing.T) {
		id, err := rig.engine.ExecuteBotOrder(botAddr, BotOrderLimitOpen, traderAddr, 0, 0)
		require.NoError(t, err)
		rig.answer(t, id, price10(47_000))

		trades := rig.ledger.TradesOf(traderAddr, 0)
		require.Len(t, trades, 1)
		assert.Equal(t, usdt(992), trades[0].PositionSizeUsdt)
		_, err = rig.ledger.OpenLimitOrder(traderAddr, 0, 0)
		assert.ErrorIs(t, err, ErrNoLimitOrder)
		assert.NotEmpty(t, rig.sink.named("LimitExecuted"))
	})
}

func TestCancelOpenLimitOrder(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	_, err := rig.engine.OpenTrade(TradeRequest{
		Trader:           traderAddr,
		PairIndex:        0,
		PositionSizeUsdt: usdt(1000),
		OpenPrice:        price10(48_000),
		Buy:              true,
		Leverage:         10,
	}, OrderLimit, price10(1))
	require.NoError(t, err)

	require.NoError(t, rig.engine.CancelOpenLimitOrder(traderAddr, 0, 0))
	assert.Equal(t, usdt(20_000), rig.usdt.BalanceOf(traderAddr))
	assert.Zero(t, rig.ledger.OpenSlots(traderAddr, 0))
}

func TestExecuteBotOrderTP(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	tr := rig.openMarket(t, traderAddr, usdt(1000), 10, true, price10(50_000), price10(50_000))
	require.NoError(t, rig.engine.UpdateTp(traderAddr, 0, tr.Index, price10(55_000)))

	t.Run("unauthorized executor", func(t *testing.T) {
		_, err := rig.engine.ExecuteBotOrder("mallory", BotOrderTP, traderAddr, 0, tr.Index)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("not triggered below tp", func(t *testing.T) {
		id, err := rig.engine.ExecuteBotOrder(botAddr, BotOrderTP, traderAddr, 0, tr.Index)
		require.NoError(t, err)
		rig.answer(t, id, price10(54_000))
		assert.Len(t, rig.ledger.TradesOf(traderAddr, 0), 1, "position survives a failed trigger")
		assert.NotEmpty(t, rig.sink.named("BotOrderCanceled"))
	})

	t.Run("executes at the tp price", func(t *testing.T) {
		id, err := rig.engine.ExecuteBotOrder(botAddr, BotOrderTP, traderAddr, 0, tr.Index)
		require.NoError(t, err)
		rig.answer(t, id, price10(55_500))
		assert.Empty(t, rig.ledger.TradesOf(traderAddr, 0))
		ev := rig.sink.last("LimitExecuted").(LimitExecuted)
		assert.Equal(t, price10(55_000), ev.Price, "fills at the stop level, not the delivered price")
		assert.Equal(t, big.NewInt(1_976_064_000), ev.SentToTrader)
	})
}

func TestExecuteBotOrderLiquidation(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))
	tr := rig.openMarket(t, traderAddr, usdt(1000), 10, true, price10(50_000), price10(50_000))

	t.Run("healthy position not liquidatable", func(t *testing.T) {
		id, err := rig.engine.ExecuteBotOrder(botAddr, BotOrderLiq, traderAddr, 0, tr.Index)
		require.NoError(t, err)
		rig.answer(t, id, price10(49_000))
		assert.Len(t, rig.ledger.TradesOf(traderAddr, 0), 1)
	})

	t.Run("wiped position closes for nothing", func(t *testing.T) {
		id, err := rig.engine.ExecuteBotOrder(botAddr, BotOrderLiq, traderAddr, 0, tr.Index)
		require.NoError(t, err)
		rig.answer(t, id, price10(45_000))
		assert.Empty(t, rig.ledger.TradesOf(traderAddr, 0))
		ev := rig.sink.last("LimitExecuted").(LimitExecuted)
		assert.Zero(t, ev.SentToTrader.Sign())
	})
}

func TestPause(t *testing.T) {
	rig := newTestRig(t)
	rig.fund(traderAddr, usdt(20_000))

	assert.ErrorIs(t, rig.engine.Pause("mallory", true), ErrUnauthorized)
	require.NoError(t, rig.engine.Pause(govAddr, true))

	_, err := rig.engine.OpenTrade(TradeRequest{
		Trader:           traderAddr,
		PairIndex:        0,
		PositionSizeUsdt: usdt(1000),
		OpenPrice:        price10(50_000),
		Buy:              true,
		Leverage:         10,
	}, OrderMarket, price10(1))
	assert.ErrorIs(t, err, ErrPaused)

	require.NoError(t, rig.engine.Pause(govAddr, false))
	_, err = rig.engine.OpenTrade(TradeRequest{
		Trader:           traderAddr,
		PairIndex:        0,
		PositionSizeUsdt: usdt(1000),
		OpenPrice:        price10(50_000),
		Buy:              true,
		Leverage:         10,
	}, OrderMarket, price10(1))
	assert.NoError(t, err)
}

func TestSetSLTP(t *testing.T) {
	rig := newTestRig(t)
	assert.ErrorIs(t, rig.engine.SetSLTP("mallory", 80, 0, 950, 0), ErrUnauthorized)
	assert.ErrorIs(t, rig.engine.SetSLTP(govAddr, 10, 20, 950, 0), ErrWrongParams)
	require.NoError(t, rig.engine.SetSLTP(govAddr, 80, 0, 950, 0))

	// The wider stop bound now admits what the default rejected.
	rig.fund(traderAddr, usdt(20_000))
	_, err := rig.engine.OpenTrade(TradeRequest{
		Trader:           traderAddr,
		PairIndex:        0,
		PositionSizeUsdt: usdt(1000),
		OpenPrice:        price10(50_000),
		Buy:              true,
		Leverage:         10,
		SL:               price10(46_100),
	}, OrderMarket, price10(1))
	assert.NoError(t, err)
}
