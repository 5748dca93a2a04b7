package api

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairex/perp/pkg/perp"
)

func newTestServer(t *testing.T) (*JSONRPCServer, *perp.Ledger) {
	t.Helper()
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)

	roles := perp.NewRoleSet("gov", "feed", "engine")
	pairs := perp.NewPairsStore(roles)
	_, err := pairs.AddGroup("gov", perp.Group{Name: "crypto", MinLeverage: 2, MaxLeverage: 100})
	require.NoError(t, err)
	_, err = pairs.AddFee("gov", perp.FeeSchedule{
		Name:          "crypto",
		OpenFeeP:      big.NewInt(800000000),
		CloseFeeP:     big.NewInt(800000000),
		MinLevPosUsdt: big.NewInt(500_000_000),
	})
	require.NoError(t, err)
	_, err = pairs.AddPair("gov", perp.Pair{Base: "BTC", Quote: "USDT", SpreadP: new(big.Int)})
	require.NoError(t, err)

	tok := perp.NewToken("Tether USD", "USDT", 6)
	ledger := perp.NewLedger(tok, logger)
	vault := perp.NewVault(perp.DefaultVaultConfig(), tok, roles, perp.NewKeyedVerifier([]byte("k")), nil, logger)

	return NewJSONRPCServer(pairs, ledger, vault, logger), ledger
}

func call(t *testing.T, server *JSONRPCServer, body string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	return resp
}

func TestJSONRPCServer_Ping(t *testing.T) {
	server, _ := newTestServer(t)
	resp := call(t, server, `{"jsonrpc":"2.0","method":"px_ping","params":{},"id":1}`)
	assert.Equal(t, "pong", resp["result"])
	assert.Equal(t, float64(1), resp["id"])
}

func TestJSONRPCServer_GetPair(t *testing.T) {
	server, _ := newTestServer(t)
	resp := call(t, server, `{"jsonrpc":"2.0","method":"px_getPair","params":{"pairIndex":0},"id":2}`)

	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BTC/USDT", result["name"])
	assert.Equal(t, float64(2), result["minLeverage"])
	assert.Equal(t, float64(100), result["maxLeverage"])
	assert.Equal(t, "0.08", result["openFeeP"])
	assert.Equal(t, "500", result["minLevPos"])
}

func TestJSONRPCServer_GetPairNotListed(t *testing.T) {
	server, _ := newTestServer(t)
	resp := call(t, server, `{"jsonrpc":"2.0","method":"px_getPair","params":{"pairIndex":7},"id":3}`)

	rpcErr, ok := resp["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(InternalError), rpcErr["code"])
}

func TestJSONRPCServer_GetTrades(t *testing.T) {
	server, ledger := newTestServer(t)
	ledger.StoreTrade(&perp.Trade{
		Trader:           "alice",
		PairIndex:        0,
		Index:            0,
		PositionSizeUsdt: big.NewInt(992_000_000),
		OpenPrice:        new(big.Int).Mul(big.NewInt(50_000), big.NewInt(perp.Precision)),
		Buy:              true,
		Leverage:         10,
	}, &perp.TradeInfo{RolloverAccrued: new(big.Int), FundingAccrued: new(big.Int)})

	resp := call(t, server, `{"jsonrpc":"2.0","method":"px_getTrades","params":{"trader":"alice","pairIndex":0},"id":4}`)
	result, ok := resp["result"].([]interface{})
	require.True(t, ok)
	require.Len(t, result, 1)

	trade := result[0].(map[string]interface{})
	assert.Equal(t, "992", trade["collateral"])
	assert.Equal(t, "50000", trade["openPrice"])
	assert.Equal(t, "long", trade["side"])
	assert.Equal(t, float64(10), trade["leverage"])
}

func TestJSONRPCServer_GetOpenInterest(t *testing.T) {
	server, ledger := newTestServer(t)
	ledger.StoreTrade(&perp.Trade{
		Trader:           "alice",
		PairIndex:        0,
		PositionSizeUsdt: big.NewInt(1_000_000_000),
		OpenPrice:        big.NewInt(perp.Precision),
		Buy:              true,
		Leverage:         10,
	}, &perp.TradeInfo{RolloverAccrued: new(big.Int), FundingAccrued: new(big.Int)})

	resp := call(t, server, `{"jsonrpc":"2.0","method":"px_getOpenInterest","params":{"pairIndex":0},"id":5}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "10000", result["long"])
	assert.Equal(t, "0", result["short"])
}

func TestJSONRPCServer_GetVault(t *testing.T) {
	server, _ := newTestServer(t)
	resp := call(t, server, `{"jsonrpc":"2.0","method":"px_getVault","params":{},"id":6}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "0", result["totalAssets"])
	assert.Equal(t, "0", result["totalSupply"])
}

func TestJSONRPCServer_BadRequests(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("unknown method", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"px_nope","params":{},"id":7}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(MethodNotFound), rpcErr["code"])
	})

	t.Run("wrong version", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"1.0","method":"px_ping","params":{},"id":8}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(InvalidRequest), rpcErr["code"])
	})

	t.Run("parse error", func(t *testing.T) {
		resp := call(t, server, `{not json`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(ParseError), rpcErr["code"])
	})

	t.Run("get method not allowed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/rpc", nil)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}
