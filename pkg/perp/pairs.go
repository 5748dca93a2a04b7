package perp

import (
	"math/big"
	"sync"
)

// PairsStore holds per-instrument risk configuration: leverage bounds, fee
// schedules, accrual rates, open-interest caps and the max negative PnL a
// position may be admitted with. Mutations are gov-gated through the
// Authorizer; reads are lock-cheap and used on every admission check.
type PairsStore struct {
	auth Authorizer

	pairs     []Pair
	groups    []Group
	fees      []FeeSchedule
	params    map[int]PairParams
	maxOiUsdt map[int]*big.Int // per pair, per side cap

	maxNegativePnlOnOpenP *big.Int

	mu sync.RWMutex
}

// NewPairsStore creates an empty store.
func NewPairsStore(auth Authorizer) *PairsStore {
	return &PairsStore{
		auth:                  auth,
		params:                make(map[int]PairParams),
		maxOiUsdt:             make(map[int]*big.Int),
		maxNegativePnlOnOpenP: new(big.Int),
	}
}

// AddGroup appends a leverage group. Gov only.
func (s *PairsStore) AddGroup(caller string, g Group) (int, error) {
	if !s.auth.Authorize(caller, ActGovern) {
		return 0, ErrUnauthorized
	}
	if g.MinLeverage <= 0 || g.MaxLeverage < g.MinLeverage {
		return 0, ErrWrongParams
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, g)
	return len(s.groups) - 1, nil
}

// AddFee appends a fee schedule. Gov only.
func (s *PairsStore) AddFee(caller string, f FeeSchedule) (int, error) {
	if !s.auth.Authorize(caller, ActGovern) {
		return 0, ErrUnauthorized
	}
	if isZero(f.OpenFeeP) && isZero(f.CloseFeeP) {
		return 0, ErrWrongParams
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees = append(s.fees, f)
	return len(s.fees) - 1, nil
}

// AddPair lists a new instrument. Gov only.
func (s *PairsStore) AddPair(caller string, p Pair) (int, error) {
	if !s.auth.Authorize(caller, ActGovern) {
		return 0, ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.GroupIndex >= len(s.groups) || p.FeeIndex >= len(s.fees) {
		return 0, ErrWrongParams
	}
	s.pairs = append(s.pairs, p)
	return len(s.pairs) - 1, nil
}

// UpdatePair replaces an instrument's definition. Gov only; the instrument
// keeps its index so open positions stay attached.
func (s *PairsStore) UpdatePair(caller string, pairIndex int, p Pair) error {
	if !s.auth.Authorize(caller, ActGovern) {
		return ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pairIndex < 0 || pairIndex >= len(s.pairs) {
		return ErrPairNotListed
	}
	if p.GroupIndex >= len(s.groups) || p.FeeIndex >= len(s.fees) {
		return ErrWrongParams
	}
	s.pairs[pairIndex] = p
	return nil
}

// SetPairParams sets accrual rates and depth for a pair. Gov only.
func (s *PairsStore) SetPairParams(caller string, pairIndex int, pp PairParams) error {
	if !s.auth.Authorize(caller, ActGovern) {
		return ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pairIndex < 0 || pairIndex >= len(s.pairs) {
		return ErrPairNotListed
	}
	s.params[pairIndex] = pp
	return nil
}

// SetMaxOpenInterest sets the per-side OI cap for a pair. Gov only.
func (s *PairsStore) SetMaxOpenInterest(caller string, pairIndex int, maxUsdt *big.Int) error {
	if !s.auth.Authorize(caller, ActGovern) {
		return ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pairIndex < 0 || pairIndex >= len(s.pairs) {
		return ErrPairNotListed
	}
	s.maxOiUsdt[pairIndex] = clone(maxUsdt)
	return nil
}

// SetMaxNegativePnlOnOpenP sets the bound on how far underwater a position
// may already be at admission. Gov only.
func (s *PairsStore) SetMaxNegativePnlOnOpenP(caller string, p *big.Int) error {
	if !s.auth.Authorize(caller, ActGovern) {
		return ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxNegativePnlOnOpenP = clone(p)
	return nil
}

// Pair returns the instrument at pairIndex.
func (s *PairsStore) Pair(pairIndex int) (Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pairIndex < 0 || pairIndex >= len(s.pairs) {
		return Pair{}, ErrPairNotListed
	}
	return s.pairs[pairIndex], nil
}

// PairCount returns how many instruments are listed.
func (s *PairsStore) PairCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs)
}

// Group returns the leverage group for a pair.
func (s *PairsStore) Group(pairIndex int) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pairIndex < 0 || pairIndex >= len(s.pairs) {
		return Group{}, ErrPairNotListed
	}
	return s.groups[s.pairs[pairIndex].GroupIndex], nil
}

// Fees returns the fee schedule for a pair.
func (s *PairsStore) Fees(pairIndex int) (FeeSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pairIndex < 0 || pairIndex >= len(s.pairs) {
		return FeeSchedule{}, ErrPairNotListed
	}
	return s.fees[s.pairs[pairIndex].FeeIndex], nil
}

// Params returns accrual parameters for a pair (zero values if unset).
func (s *PairsStore) Params(pairIndex int) PairParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pp, ok := s.params[pairIndex]
	if !ok {
		return PairParams{
			OnePercentDepthAbove: new(big.Int),
			OnePercentDepthBelow: new(big.Int),
			RolloverFeePerBlockP: new(big.Int),
			FundingFeePerBlockP:  new(big.Int),
		}
	}
	return pp
}

// MaxOpenInterest returns the per-side OI cap for a pair, nil meaning
// uncapped.
func (s *PairsStore) MaxOpenInterest(pairIndex int) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.maxOiUsdt[pairIndex]; ok {
		return clone(v)
	}
	return nil
}

// MaxNegativePnlOnOpenP returns the admission bound on pre-existing loss.
func (s *PairsStore) MaxNegativePnlOnOpenP() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.maxNegativePnlOnOpenP)
}
