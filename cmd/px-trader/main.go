package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// px-trader exercises the trading subjects: each simulated trader submits
// market opens and closes over NATS request/reply and tallies the engine's
// accept/reject decisions. Prices are 1e10-scaled and collateral 6-decimal
// scaled, matching the engine's wire format.

type openRequest struct {
	Trader    string `json:"trader"`
	PairIndex int    `json:"pairIndex"`
	Index     int    `json:"index"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	Buy       bool   `json:"buy"`
	Leverage  int64  `json:"leverage"`
	TP        string `json:"tp"`
	SL        string `json:"sl"`
	Limit     bool   `json:"limit"`
	SlippageP string `json:"slippageP"`
}

type closeRequest struct {
	Trader    string `json:"trader"`
	PairIndex int    `json:"pairIndex"`
	Index     int    `json:"index"`
}

type reply struct {
	OrderID uint64 `json:"orderId,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

var (
	totalSent     int64
	totalAccepted int64
	totalRejected int64
	totalErrors   int64
)

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	traders := flag.Int("traders", 0, "Number of traders (0 = auto)")
	rate := flag.Int("rate", 10, "Orders per second per trader")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	pairs := flag.Int("pairs", 1, "Number of listed pairs to trade")
	basePrice := flag.Float64("base-price", 50000, "Reference price for pair 0")
	flag.Parse()

	if *traders == 0 {
		*traders = runtime.NumCPU()
	}

	log.Printf("px-trader starting")
	log.Printf("NATS URL: %s", *natsURL)
	log.Printf("Traders: %d, rate: %d/sec each, duration: %v", *traders, *rate, *duration)

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	var wg sync.WaitGroup
	wg.Add(*traders)

	startTime := time.Now()
	endTime := startTime.Add(*duration)

	for i := 0; i < *traders; i++ {
		go runTrader(nc, i, *rate, *pairs, *basePrice, endTime, &wg)
	}

	go printStats(startTime)

	wg.Wait()

	elapsed := time.Since(startTime).Seconds()
	sent := atomic.LoadInt64(&totalSent)
	accepted := atomic.LoadInt64(&totalAccepted)
	rejected := atomic.LoadInt64(&totalRejected)
	errors := atomic.LoadInt64(&totalErrors)

	fmt.Println("\n============================================================")
	fmt.Println("PX-TRADER RESULTS")
	fmt.Println("============================================================")
	fmt.Printf("Duration: %.1f seconds\n", elapsed)
	fmt.Printf("Orders sent: %d\n", sent)
	fmt.Printf("Accepted: %d\n", accepted)
	fmt.Printf("Rejected: %d\n", rejected)
	fmt.Printf("Transport errors: %d\n", errors)
	if sent > 0 {
		fmt.Printf("Accept rate: %.1f%%\n", float64(accepted)*100/float64(sent))
	}
	fmt.Printf("Throughput: %.0f orders/sec\n", float64(sent)/elapsed)
}

func runTrader(nc *nats.Conn, id, rate, pairs int, basePrice float64, endTime time.Time, wg *sync.WaitGroup) {
	defer wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	trader := fmt.Sprintf("trader-%d", id)
	sleep := time.Second / time.Duration(rate)

	// Slots cycle 0..2, closing the slot before reusing it.
	slot := 0
	opened := make(map[int]bool)

	for time.Now().Before(endTime) {
		pairIndex := rng.Intn(pairs)

		if opened[slot] {
			req := closeRequest{Trader: trader, PairIndex: pairIndex, Index: slot}
			data, _ := json.Marshal(req)
			send(nc, "px.trade.close", data)
			opened[slot] = false
		} else {
			price := basePrice * (1 + float64(pairIndex)*0.1) * (1 + (rng.Float64()-0.5)*0.002)
			req := openRequest{
				Trader:    trader,
				PairIndex: pairIndex,
				Index:     slot,
				Amount:    fmt.Sprintf("%d", 1000_000_000+rng.Int63n(4000)*1_000_000), // 1000-5000 USDT
				Price:     fmt.Sprintf("%.0f", price*1e10),
				Buy:       rng.Intn(2) == 0,
				Leverage:  int64(2 + rng.Intn(20)),
				SlippageP: "100000000", // 1%
			}
			data, _ := json.Marshal(req)
			if send(nc, "px.trade.open", data) {
				opened[slot] = true
			}
		}

		slot = (slot + 1) % 3
		time.Sleep(sleep)
	}
}

// send fires one request and reports whether the engine accepted it.
func send(nc *nats.Conn, subject string, data []byte) bool {
	atomic.AddInt64(&totalSent, 1)

	msg, err := nc.Request(subject, data, 500*time.Millisecond)
	if err != nil {
		atomic.AddInt64(&totalErrors, 1)
		return false
	}

	var resp reply
	if json.Unmarshal(msg.Data, &resp) != nil {
		atomic.AddInt64(&totalErrors, 1)
		return false
	}
	if resp.Status == "accepted" {
		atomic.AddInt64(&totalAccepted, 1)
		return true
	}
	atomic.AddInt64(&totalRejected, 1)
	return false
}

func printStats(startTime time.Time) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := int64(0)
	for range ticker.C {
		sent := atomic.LoadInt64(&totalSent)
		accepted := atomic.LoadInt64(&totalAccepted)
		rejected := atomic.LoadInt64(&totalRejected)

		delta := sent - last
		elapsed := time.Since(startTime).Seconds()

		fmt.Printf("\rOrders: %d | Rate: %d/sec | Avg: %.0f/sec | Accepted: %d | Rejected: %d",
			sent, delta, float64(sent)/elapsed, accepted, rejected)
		last = sent
	}
}
