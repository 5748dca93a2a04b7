package main

import (
	"math/big"

	"github.com/pairex/perp/pkg/metrics"
	"github.com/pairex/perp/pkg/perp"
)

// metricsSink translates engine events into Prometheus counters.
type metricsSink struct {
	metrics *metrics.Metrics
}

func (s *metricsSink) Publish(ev perp.Event) {
	switch ev.(type) {
	case perp.MarketOrderInitiated, perp.SlUpdateInitiated, perp.BotOrderInitiated:
		s.metrics.RecordOrderSubmitted()
	case perp.MarketExecuted, perp.SlUpdated:
		s.metrics.RecordOrderSettled()
	case perp.MarketOpenCanceled, perp.SlCanceled:
		s.metrics.RecordOrderCanceled()
	case perp.LimitExecuted:
		s.metrics.RecordOrderSettled()
		s.metrics.RecordBotOrder()
	case perp.BotOrderCanceled:
		s.metrics.RecordOrderCanceled()
	case perp.AdlClosingExecuted:
		s.metrics.RecordAdlClosing()
	}
}

// parseBig parses a base-10 integer string, treating empty or malformed input
// as zero. Callers validate amounts downstream.
func parseBig(s string) *big.Int {
	if s == "" {
		return new(big.Int)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// usdtFloat converts a 6-decimal scaled amount to a float for gauges only.
func usdtFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(perp.AssetScale)).Float64()
	return f
}
