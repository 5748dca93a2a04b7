package perp

import (
	"math/big"
	"sync"

	"golang.org/x/crypto/sha3"
)

// Action is a capability checked at an operation boundary.
type Action int

const (
	ActGovern Action = iota
	ActExecuteBot
	ActFeedUpnl
	ActHandlePnl
)

// Authorizer answers whether a caller may perform an action. Policy lives
// here so role checks stay out of the business logic.
type Authorizer interface {
	Authorize(caller string, action Action) bool
}

// RoleSet is the standard Authorizer: a gov address, a uPnL feed address, a
// PnL handler address and a bot whitelist.
type RoleSet struct {
	gov        string
	upnlFeed   string
	pnlHandler string
	bots       map[string]bool
	mu         sync.RWMutex
}

// NewRoleSet creates a RoleSet with the given privileged addresses.
func NewRoleSet(gov, upnlFeed, pnlHandler string) *RoleSet {
	return &RoleSet{
		gov:        gov,
		upnlFeed:   upnlFeed,
		pnlHandler: pnlHandler,
		bots:       make(map[string]bool),
	}
}

// AddBot whitelists an executor address.
func (r *RoleSet) AddBot(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[addr] = true
}

// RemoveBot drops an executor address from the whitelist.
func (r *RoleSet) RemoveBot(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bots, addr)
}

// SetPnlHandler updates the address allowed to move realized PnL through the
// vault.
func (r *RoleSet) SetPnlHandler(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pnlHandler = addr
}

// Authorize implements Authorizer.
func (r *RoleSet) Authorize(caller string, action Action) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch action {
	case ActGovern:
		return caller == r.gov
	case ActExecuteBot:
		return r.bots[caller]
	case ActFeedUpnl:
		return caller == r.upnlFeed
	case ActHandlePnl:
		return caller == r.pnlHandler
	}
	return false
}

// UpnlVerifier checks a caller-supplied unrealized-PnL figure against its
// authorization proof before the vault prices shares with it.
type UpnlVerifier interface {
	Verify(upnl *big.Int, proof []byte) bool
}

// KeyedVerifier accepts a uPnL figure when the proof equals the keyed
// SHA3-256 digest of its canonical encoding.
type KeyedVerifier struct {
	key []byte
}

// NewKeyedVerifier creates a verifier bound to a shared key.
func NewKeyedVerifier(key []byte) *KeyedVerifier {
	return &KeyedVerifier{key: append([]byte(nil), key...)}
}

// Prove produces the proof the feed process attaches to a uPnL figure.
func (v *KeyedVerifier) Prove(upnl *big.Int) []byte {
	h := sha3.New256()
	h.Write(v.key)
	h.Write(encodeUpnl(upnl))
	return h.Sum(nil)
}

// Verify implements UpnlVerifier.
func (v *KeyedVerifier) Verify(upnl *big.Int, proof []byte) bool {
	want := v.Prove(upnl)
	if len(proof) != len(want) {
		return false
	}
	var diff byte
	for i := range want {
		diff |= want[i] ^ proof[i]
	}
	return diff == 0
}

// encodeUpnl canonically encodes a signed big.Int: sign byte then magnitude.
func encodeUpnl(v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	out := make([]byte, 1)
	if v.Sign() < 0 {
		out[0] = 1
	}
	return append(out, v.Bytes()...)
}
