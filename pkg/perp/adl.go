package perp

import (
	"math/big"
	"time"
)

// AdlEngine force-closes positions to deleverage the book when exposure runs
// too far ahead of the vault. Which positions to close is the caller's call;
// the engine only settles them, all at prices from one batch oracle round, so
// every position in the batch closes against the same market snapshot.
type AdlEngine struct {
	engine *Engine
}

// NewAdlEngine wraps an engine with the batch-deleverage entry point.
func NewAdlEngine(engine *Engine) *AdlEngine {
	return &AdlEngine{engine: engine}
}

// ExecuteAdlOrder starts a batch close of the named positions. Arrays are
// parallel; adlTypes labels each close as profit-side (vault pays out) or
// loss-side (vault absorbs) for event consumers, the close formula is the
// same either way. Bot-authorized.
func (a *AdlEngine) ExecuteAdlOrder(caller string, adlTypes []AdlType, traders []string, pairIndices, indices []int) (uint64, error) {
	e := a.engine
	if !e.auth.Authorize(caller, ActExecuteBot) {
		return 0, ErrUnauthorized
	}
	n := len(adlTypes)
	if n == 0 || len(traders) != n || len(pairIndices) != n || len(indices) != n {
		return 0, ErrWrongParams
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	items := make([]AdlItem, n)
	seen := make(map[int]bool)
	var pairs []int
	for i := 0; i < n; i++ {
		if _, err := e.ledger.Trade(traders[i], pairIndices[i], indices[i]); err != nil {
			return 0, err
		}
		items[i] = AdlItem{
			Type:      adlTypes[i],
			Trader:    traders[i],
			PairIndex: pairIndices[i],
			Index:     indices[i],
		}
		if !seen[pairIndices[i]] {
			seen[pairIndices[i]] = true
			pairs = append(pairs, pairIndices[i])
		}
	}

	id, err := e.oracle.RequestPrices(pairs, a.settle, a.cancel)
	if err != nil {
		return 0, err
	}
	e.ledger.StorePendingAdlBatch(&PendingAdlBatch{
		OrderID:     id,
		Items:       items,
		PairIndices: pairs,
		CreatedAt:   time.Now(),
	})
	e.log.Info("adl batch initiated", "order", id, "positions", n, "pairs", len(pairs))
	return id, nil
}

// settle closes every surviving position in the batch at the delivered
// prices and reports the net vault flow.
func (a *AdlEngine) settle(requestID uint64, prices map[int]*big.Int) {
	e := a.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.ledger.TakePendingAdlBatch(requestID)
	if err != nil {
		return
	}
	net := new(big.Int)
	for _, item := range b.Items {
		t, err := e.ledger.Trade(item.Trader, item.PairIndex, item.Index)
		if err != nil {
			// Closed by its owner while the round was in flight.
			continue
		}
		price := prices[item.PairIndex]
		res := e.closeAt(t, price, true)
		net.Add(net, res.vaultFlow)
		e.sink.Publish(AdlClosingExecuted{
			OrderID:       requestID,
			Type:          item.Type,
			Trade:         *t,
			Price:         clone(price),
			PercentProfit: res.percentProfit,
			SentToTrader:  res.sentToTrader,
		})
	}
	e.sink.Publish(AdlUsdtFlow{OrderID: requestID, Net: net})
	e.bumpUpnlRound()
	e.log.Info("adl batch settled", "order", requestID, "net", net.String())
}

func (a *AdlEngine) cancel(requestID uint64) {
	e := a.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.ledger.TakePendingAdlBatch(requestID)
}
