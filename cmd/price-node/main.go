package main

import (
	"encoding/json"
	"flag"
	"math/big"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
)

// A price node answers settlement rounds: it subscribes to oracle requests,
// looks up the current price for each pair and publishes a signed-off answer.
// This binary serves a local random-walk book for development and testing;
// production nodes plug a real market-data source into the same loop.

const precision = 1e10

type oracleRequestMsg struct {
	RequestID   uint64 `json:"requestId"`
	PairIndices []int  `json:"pairIndices"`
}

type oracleAnswerMsg struct {
	RequestID uint64   `json:"requestId"`
	NodeID    string   `json:"nodeId"`
	Prices    []string `json:"prices"`
}

// priceBook holds a random-walk price per pair index.
type priceBook struct {
	mu     sync.Mutex
	prices map[int]float64
	base   float64
	rng    *rand.Rand
}

func newPriceBook(base float64, seed int64) *priceBook {
	return &priceBook{
		prices: make(map[int]float64),
		base:   base,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// current returns the pair's price, stepping the walk by up to ±0.05%.
func (b *priceBook) current(pairIndex int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.prices[pairIndex]
	if !ok {
		// Spread the starting points so pairs don't all quote the same.
		p = b.base * (1 + float64(pairIndex)*0.1)
	}
	p *= 1 + (b.rng.Float64()-0.5)*0.001
	b.prices[pairIndex] = p
	return p
}

// scaled renders the price as a 1e10-scaled integer string.
func scaled(p float64) string {
	v, _ := new(big.Float).Mul(big.NewFloat(p), big.NewFloat(precision)).Int(nil)
	return v.String()
}

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	nodeID := flag.String("node-id", "node-1", "Oracle node identity")
	basePrice := flag.Float64("base-price", 50000, "Starting price for pair 0")
	delay := flag.Duration("delay", 50*time.Millisecond, "Artificial answer latency")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, _ := log.ToLevel(*logLevel)
	logger := log.NewTestLogger(level)

	nc, err := nats.Connect(*natsURL,
		nats.Name("price-node-"+*nodeID),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		logger.Crit("Failed to connect to NATS", "url", *natsURL, "error", err)
		os.Exit(1)
	}
	defer nc.Drain()

	book := newPriceBook(*basePrice, time.Now().UnixNano())
	var answered uint64

	sub, err := nc.Subscribe("px.oracle.request", func(m *nats.Msg) {
		var req oracleRequestMsg
		if err := json.Unmarshal(m.Data, &req); err != nil {
			logger.Warn("Malformed oracle request", "error", err)
			return
		}

		if *delay > 0 {
			time.Sleep(*delay)
		}

		prices := make([]string, len(req.PairIndices))
		for i, pairIndex := range req.PairIndices {
			prices[i] = scaled(book.current(pairIndex))
		}

		answer := oracleAnswerMsg{
			RequestID: req.RequestID,
			NodeID:    *nodeID,
			Prices:    prices,
		}
		data, _ := json.Marshal(answer)
		if err := nc.Publish("px.oracle.answer", data); err != nil {
			logger.Error("Failed to publish answer", "requestId", req.RequestID, "error", err)
			return
		}

		n := atomic.AddUint64(&answered, 1)
		logger.Debug("Answered price round",
			"requestId", req.RequestID,
			"pairs", len(req.PairIndices),
			"total", n)
	})
	if err != nil {
		logger.Crit("Failed to subscribe", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	logger.Info("Price node started",
		"nodeId", *nodeID,
		"nats", *natsURL,
		"basePrice", *basePrice)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			logger.Info("Price node status", "answered", atomic.LoadUint64(&answered))
		case sig := <-sigChan:
			logger.Info("Shutting down", "signal", sig)
			return
		}
	}
}
