package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/luxfi/log"
	"github.com/pkg/errors"

	"github.com/luxfi/perpvault/pkg/oracle"
	"github.com/luxfi/perpvault/pkg/types"
	"github.com/luxfi/perpvault/pkg/vault"
)

// Version is reported by vault_getInfo.
var Version = "dev"

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	vault  *vault.Vault
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(v *vault.Vault, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		vault:  v,
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

	// Server defined codes for vault rejections.
	Rejected     = -32000
	Unauthorized = -32001
)

// RejectionData is attached to errors caused by a vault rejection.
type RejectionData struct {
	Kind string `json:"kind"`
	Code string `json:"code"`
}

func invalidParams() *RPCError {
	return &RPCError{Code: InvalidParams, Message: "Invalid params"}
}

func rpcError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var r *vault.Rejection
	if errors.As(err, &r) {
		code := Rejected
		if r.Kind == types.KindAuthorization {
			code = Unauthorized
		}
		return &RPCError{Code: code, Message: r.Err.Error(), Data: RejectionData{Kind: r.Kind.String(), Code: r.Code}}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

// Handle runs a single request. It never returns a nil response.
func (s *JSONRPCServer) Handle(ctx context.Context, req JSONRPCRequest) JSONRPCResponse {
	if req.JSONRPC != "2.0" {
		return JSONRPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: InvalidRequest, Message: "Invalid Request"}, ID: req.ID}
	}
	result, err := s.handleMethod(ctx, req.Method, req.Params)
	if err != nil {
		s.logger.Debug("RPC call failed", "method", req.Method, "requestId", RequestID(ctx), "error", err)
		return JSONRPCResponse{JSONRPC: "2.0", Error: rpcError(err), ID: req.ID}
	}
	return JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func (s *JSONRPCServer) handleMethod(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Pricing
	case "vault_getMinPrice":
		return s.getPrice(params, false)
	case "vault_getMaxPrice":
		return s.getPrice(params, true)
	case "vault_getPriceSnapshot":
		return s.getPriceSnapshot(params)
	case "vault_submitPriceUpdate":
		return s.submitPriceUpdate(ctx, params)

	// Pools
	case "vault_getPool":
		return s.getPool(params)
	case "vault_getAum":
		return s.getAum(params)
	case "vault_updateFundingRate":
		return s.updateFundingRate(ctx, params)

	// Positions
	case "vault_getPosition":
		return s.getPosition(params)
	case "vault_getPositionDelta":
		return s.getPositionDelta(params)
	case "vault_getPositionLeverage":
		return s.getPositionLeverage(params)
	case "vault_validateLiquidation":
		return s.validateLiquidation(params)

	// Info
	case "vault_getInfo":
		return s.getInfo()
	case "vault_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

type assetParams struct {
	Asset types.Asset `json:"asset"`
}

func decodeAsset(params json.RawMessage) (types.Asset, error) {
	var p assetParams
	if err := json.Unmarshal(params, &p); err != nil || p.Asset == "" {
		return "", invalidParams()
	}
	return p.Asset.Normalize(), nil
}

func decodeKey(params json.RawMessage) (types.PositionKey, error) {
	var key types.PositionKey
	if err := json.Unmarshal(params, &key); err != nil || key.CollateralAsset == "" || key.IndexAsset == "" {
		return key, invalidParams()
	}
	key.CollateralAsset = key.CollateralAsset.Normalize()
	key.IndexAsset = key.IndexAsset.Normalize()
	return key, nil
}

func str(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (s *JSONRPCServer) getPrice(params json.RawMessage, maximise bool) (interface{}, error) {
	asset, err := decodeAsset(params)
	if err != nil {
		return nil, err
	}
	var price *big.Int
	if maximise {
		price, err = s.vault.GetMaxPrice(asset)
	} else {
		price, err = s.vault.GetMinPrice(asset)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"asset": asset,
		"price": str(price),
		"usd":   types.FormatUSD(price),
	}, nil
}

func (s *JSONRPCServer) getPriceSnapshot(params json.RawMessage) (interface{}, error) {
	asset, err := decodeAsset(params)
	if err != nil {
		return nil, err
	}
	snap, err := s.vault.PriceSnapshot(asset)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{
		"asset":             snap.Asset,
		"minPrice":          str(snap.MinPrice),
		"maxPrice":          str(snap.MaxPrice),
		"primaryMin":        str(snap.PrimaryMin),
		"primaryMax":        str(snap.PrimaryMax),
		"spreadBasisPoints": snap.SpreadBasisPoints,
		"degraded":          snap.Degraded(),
		"reasons":           snap.Flags.Reasons(),
		"at":                snap.At.Unix(),
	}
	if snap.Secondary != nil {
		out["secondary"] = str(snap.Secondary)
		out["publishTime"] = snap.PublishTime.Unix()
	}
	return out, nil
}

func (s *JSONRPCServer) submitPriceUpdate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Payload   hexutil.Bytes `json:"payload"`
		Signature hexutil.Bytes `json:"signature"`
		Fee       string        `json:"fee"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams()
	}
	fee := new(big.Int)
	if p.Fee != "" {
		if _, ok := fee.SetString(p.Fee, 10); !ok {
			return nil, invalidParams()
		}
	}
	applied, err := s.vault.SubmitPriceUpdate(ctx, oracle.SignedUpdate{Payload: p.Payload, Signature: p.Signature}, fee)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"applied": applied}, nil
}

func (s *JSONRPCServer) getPool(params json.RawMessage) (interface{}, error) {
	asset, err := decodeAsset(params)
	if err != nil {
		return nil, err
	}
	p := s.vault.Pool(asset)
	return map[string]interface{}{
		"asset":                   asset,
		"poolAmount":              str(p.PoolAmount),
		"reservedAmount":          str(p.ReservedAmount),
		"guaranteedUsd":           str(p.GuaranteedUsd),
		"feeReserve":              str(p.FeeReserve),
		"usdgAmount":              str(p.UsdgAmount),
		"globalShortSize":         str(p.GlobalShortSize),
		"globalShortAveragePrice": str(p.GlobalShortAveragePrice),
		"cumulativeFundingRate":   str(p.CumulativeFundingRate),
		"lastFundingTime":         p.LastFundingTime.Unix(),
	}, nil
}

func (s *JSONRPCServer) getAum(params json.RawMessage) (interface{}, error) {
	var p struct {
		Maximise bool `json:"maximise"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams()
		}
	}
	aum, err := s.vault.GetAum(p.Maximise)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"aum": str(aum), "usd": types.FormatUSD(aum)}, nil
}

func (s *JSONRPCServer) updateFundingRate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	asset, err := decodeAsset(params)
	if err != nil {
		return nil, err
	}
	rate, err := s.vault.UpdateCumulativeFundingRate(ctx, asset)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"asset":      asset,
		"rate":       str(rate.Rate),
		"cumulative": str(rate.Cumulative),
		"intervals":  rate.Intervals,
	}, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	key, err := decodeKey(params)
	if err != nil {
		return nil, err
	}
	pos := s.vault.Position(key)
	if pos == nil {
		return nil, &RPCError{Code: Rejected, Message: "Position not found", Data: RejectionData{Kind: types.KindValidation.String(), Code: "position_not_found"}}
	}
	return map[string]interface{}{
		"key":               pos.Key,
		"size":              str(pos.Size),
		"collateral":        str(pos.Collateral),
		"averagePrice":      str(pos.AveragePrice),
		"entryFundingRate":  str(pos.EntryFundingRate),
		"reserveAmount":     str(pos.ReserveAmount),
		"realisedPnl":       str(pos.RealisedPnl),
		"lastIncreasedTime": pos.LastIncreasedTime.Unix(),
	}, nil
}

func (s *JSONRPCServer) getPositionDelta(params json.RawMessage) (interface{}, error) {
	key, err := decodeKey(params)
	if err != nil {
		return nil, err
	}
	hasProfit, delta, err := s.vault.PositionDelta(key)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"hasProfit": hasProfit, "delta": str(delta)}, nil
}

func (s *JSONRPCServer) getPositionLeverage(params json.RawMessage) (interface{}, error) {
	key, err := decodeKey(params)
	if err != nil {
		return nil, err
	}
	lev, err := s.vault.PositionLeverage(key)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"leverage": str(lev)}, nil
}

func (s *JSONRPCServer) validateLiquidation(params json.RawMessage) (interface{}, error) {
	key, err := decodeKey(params)
	if err != nil {
		return nil, err
	}
	res, err := s.vault.ValidateLiquidation(key)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"state":           res.State.String(),
		"hasProfit":       res.HasProfit,
		"delta":           str(res.Delta),
		"marginFees":      str(res.MarginFees),
		"remainingMargin": str(res.RemainingMargin),
	}, nil
}

func (s *JSONRPCServer) getInfo() (interface{}, error) {
	return map[string]interface{}{
		"version":       Version,
		"assets":        s.vault.Assets(),
		"openPositions": s.vault.Ledger().PositionCount(),
		"timestamp":     time.Now().Unix(),
	}, nil
}
