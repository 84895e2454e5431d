package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perpvault/pkg/bank"
	"github.com/luxfi/perpvault/pkg/governance"
	"github.com/luxfi/perpvault/pkg/ledger"
	"github.com/luxfi/perpvault/pkg/metrics"
	"github.com/luxfi/perpvault/pkg/oracle"
	"github.com/luxfi/perpvault/pkg/types"
	"github.com/luxfi/perpvault/pkg/vault"
)

var (
	trader = common.HexToAddress("0x3001")
	lp     = common.HexToAddress("0x3002")
)

type testEnv struct {
	server  *JSONRPCServer
	vault   *vault.Vault
	bank    *bank.Memory
	metrics *metrics.VaultMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	snap := governance.NewSnapshot()
	snap.Fees.HasDynamicFees = false
	snap.Assets["ETH"] = types.AssetConfig{Symbol: "ETH", Decimals: 18, Weight: 10000, IsShortable: true}
	gov := governance.NewStatic(snap)

	ref := oracle.NewReferenceFeed()
	_, err := ref.SubmitRound("ETH", types.MustUSD("2000"), now)
	require.NoError(t, err)
	cfg := oracle.DefaultConfig()
	cfg.Mode = oracle.PrimaryOnly
	prices, err := oracle.New(cfg, ref, nil, clock)
	require.NoError(t, err)
	fast := oracle.NewFastFeed(oracle.DefaultFastFeedConfig(), ref, []types.Asset{"ETH"}, clock)

	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	b := bank.NewMemory()
	m := metrics.New("api_test")
	v := vault.New(gov, prices, ledger.New(b, logger), logger,
		vault.WithFastFeed(fast), vault.WithMetrics(m), vault.WithClock(clock))
	return &testEnv{server: NewJSONRPCServer(v, logger), vault: v, bank: b, metrics: m}
}

func (e *testEnv) call(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	return resp
}

func errorObject(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	require.NotNil(t, resp["error"])
	assert.Nil(t, resp["result"])
	return resp["error"].(map[string]interface{})
}

func (e *testEnv) openLong(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	e.bank.Mint("ETH", lp, types.MustFixed("10", 18))
	_, err := e.vault.DirectPoolDeposit(ctx, lp, "ETH", types.MustFixed("10", 18))
	require.NoError(t, err)
	e.bank.Mint("ETH", trader, types.MustFixed("1", 18))
	_, err = e.vault.IncreasePosition(ctx, trader, ledger.IncreaseRequest{
		Account:         trader,
		CollateralAsset: "ETH",
		IndexAsset:      "ETH",
		CollateralIn:    types.MustFixed("1", 18),
		SizeDelta:       types.MustUSD("10000"),
		IsLong:          true,
	})
	require.NoError(t, err)
}

func TestJSONRPCServer_GetMaxPrice(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, `{"jsonrpc":"2.0","method":"vault_getMaxPrice","params":{"asset":"eth"},"id":1}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "ETH", result["asset"])
	assert.Equal(t, types.MustUSD("2000").String(), result["price"])
	assert.Equal(t, "2000", result["usd"])
	assert.Equal(t, float64(1), resp["id"])
}

func TestJSONRPCServer_GetPriceSnapshot(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, `{"jsonrpc":"2.0","method":"vault_getPriceSnapshot","params":{"asset":"ETH"},"id":2}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, false, result["degraded"])
	assert.Equal(t, types.MustUSD("2000").String(), result["minPrice"])
	assert.Nil(t, result["secondary"])
}

func TestJSONRPCServer_UnknownAsset(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, `{"jsonrpc":"2.0","method":"vault_getMinPrice","params":{"asset":"DOGE"},"id":3}`)
	errObj := errorObject(t, resp)
	assert.Equal(t, float64(Rejected), errObj["code"])
	data := errObj["data"].(map[string]interface{})
	assert.Equal(t, "validation", data["kind"])
	assert.Equal(t, "asset_not_whitelisted", data["code"])
}

func TestJSONRPCServer_PositionQueries(t *testing.T) {
	env := newTestEnv(t)
	env.openLong(t)
	key := `{"account":"` + trader.Hex() + `","collateralAsset":"ETH","indexAsset":"ETH","isLong":true}`

	resp := env.call(t, `{"jsonrpc":"2.0","method":"vault_getPosition","params":`+key+`,"id":4}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, types.MustUSD("10000").String(), result["size"])
	assert.Equal(t, types.MustUSD("1990").String(), result["collateral"])

	resp = env.call(t, `{"jsonrpc":"2.0","method":"vault_validateLiquidation","params":`+key+`,"id":5}`)
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, "healthy", result["state"])

	resp = env.call(t, `{"jsonrpc":"2.0","method":"vault_getPositionLeverage","params":`+key+`,"id":6}`)
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, "50251", result["leverage"])

	resp = env.call(t, `{"jsonrpc":"2.0","method":"vault_getInfo","params":{},"id":7}`)
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, float64(1), result["openPositions"])
	assert.Equal(t, []interface{}{"ETH"}, result["assets"])
}

func TestJSONRPCServer_PositionNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, `{"jsonrpc":"2.0","method":"vault_getPosition","params":{"account":"0x0000000000000000000000000000000000000009","collateralAsset":"ETH","indexAsset":"ETH","isLong":true},"id":8}`)
	errObj := errorObject(t, resp)
	assert.Equal(t, float64(Rejected), errObj["code"])
	assert.Equal(t, "position_not_found", errObj["data"].(map[string]interface{})["code"])
}

func TestJSONRPCServer_SubmitPriceUpdateUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	update, err := oracle.SignUpdate([]oracle.PriceEntry{{
		Asset: "ETH", Price: types.MustUSD("2001"), PublishTime: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC).Unix(),
	}}, key)
	require.NoError(t, err)

	params, err := json.Marshal(map[string]interface{}{
		"payload":   hexutil.Bytes(update.Payload),
		"signature": hexutil.Bytes(update.Signature),
		"fee":       "0",
	})
	require.NoError(t, err)
	resp := env.call(t, `{"jsonrpc":"2.0","method":"vault_submitPriceUpdate","params":`+string(params)+`,"id":9}`)
	errObj := errorObject(t, resp)
	assert.Equal(t, float64(Unauthorized), errObj["code"])
}

func TestJSONRPCServer_GetAum(t *testing.T) {
	env := newTestEnv(t)
	env.bank.Mint("ETH", lp, types.MustFixed("1", 18))
	_, err := env.vault.DirectPoolDeposit(context.Background(), lp, "ETH", types.MustFixed("1", 18))
	require.NoError(t, err)

	resp := env.call(t, `{"jsonrpc":"2.0","method":"vault_getAum","params":{"maximise":true},"id":10}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, types.MustUSD("2000").String(), result["aum"])
}

func TestJSONRPCServer_InvalidMethod(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, `{"jsonrpc":"2.0","method":"invalid.method","params":{},"id":11}`)
	errObj := errorObject(t, resp)
	assert.Equal(t, float64(-32601), errObj["code"])
	assert.Equal(t, "Method not found", errObj["message"])
}

func TestJSONRPCServer_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, `{invalid json}`)
	errObj := errorObject(t, resp)
	assert.Equal(t, float64(-32700), errObj["code"])
	assert.Equal(t, "Parse error", errObj["message"])
}

func TestJSONRPCServer_InvalidVersion(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, `{"jsonrpc":"1.0","method":"vault_ping","params":{},"id":12}`)
	errObj := errorObject(t, resp)
	assert.Equal(t, float64(-32600), errObj["code"])
}

func TestJSONRPCServer_InvalidParams(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, `{"jsonrpc":"2.0","method":"vault_getPool","params":{"asset":7},"id":13}`)
	errObj := errorObject(t, resp)
	assert.Equal(t, float64(-32602), errObj["code"])
}

func TestJSONRPCServer_Ping(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, `{"jsonrpc":"2.0","method":"vault_ping","id":14}`)
	assert.Equal(t, "pong", resp["result"])
}

func TestRouter(t *testing.T) {
	env := newTestEnv(t)
	healthy := true
	router := NewRouter(env.server, env.metrics.Handler(), nil, map[string]HealthCheck{
		"store": func() error {
			if healthy {
				return nil
			}
			return errors.New("disk full")
		},
	})

	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(`{"jsonrpc":"2.0","method":"vault_ping","id":1}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req = httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(`{"jsonrpc":"2.0","method":"vault_ping","id":1}`))
	req.Header.Set(RequestIDHeader, "req-1")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/rpc", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"store":"ok"}`, w.Body.String())

	healthy = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"store":"disk full"}`, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "api_test_")
}

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: InvalidParams, Message: "Invalid params"}
	assert.Equal(t, "RPC Error -32602: Invalid params", err.Error())
	assert.Equal(t, InternalError, rpcError(errors.New("boom")).Code)
	assert.Equal(t, big.NewInt(0).String(), str(nil))
}
