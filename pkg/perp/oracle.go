package perp

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
)

// NodeTransport fans a price request out to the answering nodes. The daemon
// wires a NATS transport; tests use an in-process stub.
type NodeTransport interface {
	Broadcast(requestID uint64, pairIndices []int) error
}

// SettleFunc receives the aggregated prices for a settled round, keyed by
// pair index. It fires exactly once per request id.
type SettleFunc func(requestID uint64, prices map[int]*big.Int)

// CancelFunc runs when a round times out before reaching quorum.
type CancelFunc func(requestID uint64)

// OracleConfig bounds the answer protocol.
type OracleConfig struct {
	Nodes          []string
	MinAnswers     int
	RequestTimeout time.Duration
}

// DefaultOracleConfig returns the settings used in production deployments.
func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		MinAnswers:     3,
		RequestTimeout: 30 * time.Second,
	}
}

type oracleRound struct {
	requestID   uint64
	pairIndices []int
	answers     map[string][]*big.Int
	settle      SettleFunc
	cancel      CancelFunc
	createdAt   time.Time
}

// Oracle runs the two-phase price protocol: a request opens a round and
// broadcasts it; answers accumulate one per node until quorum, at which point
// the per-pair medians are delivered to the settlement callback and the round
// is gone. Late, duplicate and unknown answers are no-ops. Rounds that never
// reach quorum are reaped by CancelExpired.
type Oracle struct {
	cfg       OracleConfig
	transport NodeTransport
	log       log.Logger

	nodes  map[string]bool
	rounds map[uint64]*oracleRound
	nextID uint64
	clock  func() time.Time

	mu sync.Mutex
}

// NewOracle creates an oracle gateway over the given transport.
func NewOracle(cfg OracleConfig, transport NodeTransport, logger log.Logger) *Oracle {
	nodes := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodes[n] = true
	}
	return &Oracle{
		cfg:       cfg,
		transport: transport,
		log:       logger,
		nodes:     nodes,
		rounds:    make(map[uint64]*oracleRound),
		clock:     time.Now,
	}
}

// RequestPrice opens a round for a single pair and returns its request id.
func (o *Oracle) RequestPrice(pairIndex int, settle SettleFunc, cancel CancelFunc) (uint64, error) {
	return o.RequestPrices([]int{pairIndex}, settle, cancel)
}

// RequestPrices opens a batch round covering several pairs; the settled
// prices apply uniformly to everything the caller attached to the round.
func (o *Oracle) RequestPrices(pairIndices []int, settle SettleFunc, cancel CancelFunc) (uint64, error) {
	if len(pairIndices) == 0 {
		return 0, ErrWrongParams
	}
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.rounds[id] = &oracleRound{
		requestID:   id,
		pairIndices: append([]int(nil), pairIndices...),
		answers:     make(map[string][]*big.Int),
		settle:      settle,
		cancel:      cancel,
		createdAt:   o.clock(),
	}
	o.mu.Unlock()

	if err := o.transport.Broadcast(id, pairIndices); err != nil {
		// The round stays open: nodes that did hear the request can still
		// answer, and the timeout reaper cleans up otherwise.
		o.log.Warn("price request broadcast failed", "request", id, "err", err)
	}
	return id, nil
}

// SubmitAnswer records one node's prices for a round, aligned with the
// round's pair list. Reaching quorum settles the round with the per-pair
// medians and fires the callback exactly once.
func (o *Oracle) SubmitAnswer(requestID uint64, nodeID string, prices []*big.Int) error {
	o.mu.Lock()
	if !o.nodes[nodeID] {
		o.mu.Unlock()
		return ErrUnauthorized
	}
	r, ok := o.rounds[requestID]
	if !ok {
		o.mu.Unlock()
		return ErrRequestNotFound
	}
	if len(prices) != len(r.pairIndices) {
		o.mu.Unlock()
		return ErrWrongParams
	}
	for _, p := range prices {
		if isZero(p) {
			o.mu.Unlock()
			return ErrPriceZero
		}
	}
	if _, dup := r.answers[nodeID]; dup {
		// Duplicate answers are dropped, not errored: retransmits happen.
		o.mu.Unlock()
		return nil
	}
	cp := make([]*big.Int, len(prices))
	for i, p := range prices {
		cp[i] = clone(p)
	}
	r.answers[nodeID] = cp
	if len(r.answers) < o.cfg.MinAnswers {
		o.mu.Unlock()
		return nil
	}
	// Quorum: settle and drop the round before releasing the lock so a
	// racing answer observes request-not-found, never a double fire.
	delete(o.rounds, requestID)
	medians := r.medians()
	settle := r.settle
	o.mu.Unlock()

	o.log.Debug("oracle round settled", "request", requestID, "answers", len(r.answers))
	if settle != nil {
		settle(requestID, medians)
	}
	return nil
}

// CancelExpired reaps rounds older than the request timeout, running each
// round's cancel callback. Returns how many rounds were canceled.
func (o *Oracle) CancelExpired(now time.Time) int {
	o.mu.Lock()
	var expired []*oracleRound
	for id, r := range o.rounds {
		if now.Sub(r.createdAt) >= o.cfg.RequestTimeout {
			expired = append(expired, r)
			delete(o.rounds, id)
		}
	}
	o.mu.Unlock()

	for _, r := range expired {
		o.log.Info("oracle round expired", "request", r.requestID, "answers", len(r.answers))
		if r.cancel != nil {
			r.cancel(r.requestID)
		}
	}
	return len(expired)
}

// PendingRounds returns how many rounds are awaiting quorum.
func (o *Oracle) PendingRounds() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rounds)
}

// medians aggregates the collected answers into one price per pair. Odd
// answer counts take the middle element, even counts the mean of the two
// middle elements.
func (r *oracleRound) medians() map[int]*big.Int {
	out := make(map[int]*big.Int, len(r.pairIndices))
	for i, pairIndex := range r.pairIndices {
		col := make([]*big.Int, 0, len(r.answers))
		for _, ans := range r.answers {
			col = append(col, ans[i])
		}
		sort.Slice(col, func(a, b int) bool { return col[a].Cmp(col[b]) < 0 })
		n := len(col)
		if n%2 == 1 {
			out[pairIndex] = clone(col[n/2])
		} else {
			m := new(big.Int).Add(col[n/2-1], col[n/2])
			out[pairIndex] = m.Quo(m, bi(2))
		}
	}
	return out
}
