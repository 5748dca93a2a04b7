// Package api exposes the settlement engine's read surface over JSON-RPC
// 2.0. Scaled integers are rendered as decimal strings so callers never see
// raw fixed-point values.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/pairex/perp/pkg/perp"
)

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	pairs  *perp.PairsStore
	ledger *perp.Ledger
	vault  *perp.Vault
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server over the engine's read
// stores.
func NewJSONRPCServer(pairs *perp.PairsStore, ledger *perp.Ledger, vault *perp.Vault, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		pairs:  pairs,
		ledger: ledger,
		vault:  vault,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	// Route to method handler
	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		s.sendError(w, req.ID, err.(*RPCError).Code, err.(*RPCError).Message)
		return
	}

	// Send success response
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Instrument methods
	case "px_getPair":
		return s.getPair(params)
	case "px_getPairCount":
		return map[string]interface{}{"count": s.pairs.PairCount()}, nil

	// Position methods
	case "px_getTrades":
		return s.getTrades(params)
	case "px_getOpenLimitOrder":
		return s.getOpenLimitOrder(params)
	case "px_getOpenInterest":
		return s.getOpenInterest(params)

	// Vault methods
	case "px_getVault":
		return s.getVault(params)
	case "px_getVaultBalance":
		return s.getVaultBalance(params)

	// Info methods
	case "px_getInfo":
		return s.getInfo(params)
	case "px_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// Get one instrument with its group and fee schedule
func (s *JSONRPCServer) getPair(params json.RawMessage) (interface{}, error) {
	var p struct {
		PairIndex int `json:"pairIndex"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	pair, err := s.pairs.Pair(p.PairIndex)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	group, _ := s.pairs.Group(p.PairIndex)
	fees, _ := s.pairs.Fees(p.PairIndex)

	return map[string]interface{}{
		"name":        pair.Name(),
		"spreadP":     formatPercent(pair.SpreadP),
		"minLeverage": group.MinLeverage,
		"maxLeverage": group.MaxLeverage,
		"openFeeP":    formatPercent(fees.OpenFeeP),
		"closeFeeP":   formatPercent(fees.CloseFeeP),
		"minLevPos":   formatUsdt(fees.MinLevPosUsdt),
	}, nil
}

// Get a trader's open positions on a pair
func (s *JSONRPCServer) getTrades(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader    string `json:"trader"`
		PairIndex int    `json:"pairIndex"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	trades := s.ledger.TradesOf(p.Trader, p.PairIndex)
	out := make([]map[string]interface{}, 0, len(trades))
	for _, t := range trades {
		out = append(out, map[string]interface{}{
			"index":      t.Index,
			"collateral": formatUsdt(t.PositionSizeUsdt),
			"openPrice":  formatPrice(t.OpenPrice),
			"side":       t.Side().String(),
			"leverage":   t.Leverage,
			"tp":         formatPrice(t.TP),
			"sl":         formatPrice(t.SL),
		})
	}
	return out, nil
}

// Get one resting open order
func (s *JSONRPCServer) getOpenLimitOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader    string `json:"trader"`
		PairIndex int    `json:"pairIndex"`
		Index     int    `json:"index"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	o, err := s.ledger.OpenLimitOrder(p.Trader, p.PairIndex, p.Index)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"collateral": formatUsdt(o.PositionSizeUsdt),
		"price":      formatPrice(o.Price),
		"side":       sideName(o.Buy),
		"leverage":   o.Leverage,
		"tp":         formatPrice(o.TP),
		"sl":         formatPrice(o.SL),
	}, nil
}

// Get open interest per side for a pair
func (s *JSONRPCServer) getOpenInterest(params json.RawMessage) (interface{}, error) {
	var p struct {
		PairIndex int `json:"pairIndex"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	return map[string]interface{}{
		"long":  formatUsdt(s.ledger.OpenInterestUsdt(p.PairIndex, perp.Long)),
		"short": formatUsdt(s.ledger.OpenInterestUsdt(p.PairIndex, perp.Short)),
	}, nil
}

// Get vault totals
func (s *JSONRPCServer) getVault(params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"totalAssets": formatUsdt(s.vault.TotalAssets()),
		"totalSupply": formatUsdt(s.vault.TotalSupply()),
	}, nil
}

// Get one depositor's share balances
func (s *JSONRPCServer) getVaultBalance(params json.RawMessage) (interface{}, error) {
	var p struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	return map[string]interface{}{
		"shares":   formatUsdt(s.vault.BalanceOf(p.Address)),
		"unlocked": formatUsdt(s.vault.UnlockedBalanceOf(p.Address)),
	}, nil
}

// Get node info
func (s *JSONRPCServer) getInfo(params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"version":     "1.0.0",
		"network":     "pairex-mainnet",
		"timestamp":   time.Now().Unix(),
		"pairCount":   s.pairs.PairCount(),
		"upnlLastId":  s.ledger.UpnlLastID(),
		"platformFee": formatUsdt(s.ledger.PlatformFee()),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server
func StartJSONRPCServer(ctx context.Context, port int, server *JSONRPCServer, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}

// formatUsdt renders a 6-decimal scaled amount as a decimal string.
func formatUsdt(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -6).String()
}

// formatPrice renders a 1e10-scaled price as a decimal string.
func formatPrice(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -10).String()
}

// formatPercent renders a 1e10-scaled fee percentage as the charged
// fraction's percent value.
func formatPercent(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -10).String()
}

func sideName(buy bool) string {
	if buy {
		return "long"
	}
	return "short"
}
