// Package futures_usdt is the Binance USDT-M perpetual futures REST client
// consumed by internal/exchange. Grounded on the Binance USDT-M futures
// endpoint set (signed HMAC-SHA256 query strings, recvWindow, X-MBX-APIKEY
// header) and reshaped around the executor's reduce-only, hedge-mode needs:
// instrument filters, position risk, open orders (including closePosition
// stops), open algo orders, order submit/cancel, and the listen-key pair
// the user-data stream needs.
package futures_usdt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trading-core/internal/coretypes"
	"trading-core/pkg/exchanges/common"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client handles Binance USDT-M futures REST calls.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	weightUsage *common.WeightUsage
}

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:         cfg,
		baseURL:     base,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		weightUsage: common.NewWeightUsage(2400, time.Minute),
	}
	c.timeSync = common.NewTimeSync(func() (int64, error) {
		return c.GetServerTime()
	})
	return c
}

// WeightUsage exposes the venue's own request-weight budget, tracked from
// response headers, for callers that want to log or export it alongside
// the local admission limiter's counters.
func (c *Client) WeightUsage() (used, limit int, percentage float64) {
	return c.weightUsage.Usage()
}

// StartTimeSync begins periodic clock resync against the venue, used by the
// orchestrator on startup.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// GetServerTime fetches futures server time, used both directly and by the
// time-sync loop.
func (c *Client) GetServerTime() (int64, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/fapi/v1/time")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// CreateListenKey creates a listen key for the user-data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("create listen key status %d: %s", res.StatusCode, string(b))
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the listen key's life; must be called roughly
// every 30 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/fapi/v1/listenKey?listenKey="+listenKey, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("keepalive listen key status %d: %s", res.StatusCode, string(b))
	}
	return nil
}

// FetchInstrumentRules loads tick/step/min-qty/min-notional filters for
// every symbol from exchangeInfo.
func (c *Client) FetchInstrumentRules(ctx context.Context, symbols []string) (map[string]coretypes.InstrumentRules, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("exchangeInfo status %d: %s", res.StatusCode, string(body))
	}

	var parsed struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				Notional    string `json:"notional"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	out := make(map[string]coretypes.InstrumentRules, len(symbols))
	for _, sym := range parsed.Symbols {
		if len(wanted) > 0 && !wanted[sym.Symbol] {
			continue
		}
		r := coretypes.InstrumentRules{Symbol: sym.Symbol}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				r.TickSize = parseDecimalOrZero(f.TickSize)
			case "LOT_SIZE":
				r.StepSize = parseDecimalOrZero(f.StepSize)
				r.MinQty = parseDecimalOrZero(f.MinQty)
			case "MIN_NOTIONAL":
				r.MinNotional = parseDecimalOrZero(f.Notional)
				if r.MinNotional.IsZero() {
					r.MinNotional = parseDecimalOrZero(f.MinNotional)
				}
			}
		}
		out[sym.Symbol] = r
	}
	return out, nil
}

func parseDecimalOrZero(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// FetchPositions returns the position-risk view for every open position.
func (c *Client) FetchPositions(ctx context.Context) ([]coretypes.Position, error) {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionSide     string `json:"positionSide"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		LiquidationPrice string `json:"liquidationPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positionRisk: %w", err)
	}
	out := make([]coretypes.Position, 0, len(raw))
	for _, p := range raw {
		amt := parseDecimalOrZero(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := coretypes.PositionSideLong
		if p.PositionSide == "SHORT" || amt.IsNegative() {
			side = coretypes.PositionSideShort
		}
		out = append(out, coretypes.Position{
			Symbol:           p.Symbol,
			Side:             side,
			PositionAmt:      amt.Abs(),
			EntryPrice:       parseDecimalOrZero(p.EntryPrice),
			MarkPrice:        parseDecimalOrZero(p.MarkPrice),
			LiquidationPrice: parseDecimalOrZero(p.LiquidationPrice),
			UnrealizedPnl:    parseDecimalOrZero(p.UnRealizedProfit),
		})
	}
	return out, nil
}

// FetchLeverageMap reads per-symbol leverage from the same positionRisk
// payload, since Binance has no standalone "get leverage" endpoint.
func (c *Client) FetchLeverageMap(ctx context.Context) (map[string]int, error) {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol   string `json:"symbol"`
		Leverage string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positionRisk leverage: %w", err)
	}
	out := make(map[string]int, len(raw))
	for _, p := range raw {
		lev, _ := strconv.Atoi(p.Leverage)
		if lev > 0 {
			out[p.Symbol] = lev
		}
	}
	return out, nil
}

// OpenOrderView is a normalized open-order row, flagging whether it's a
// closePosition/reduceOnly stop (a candidate external takeover).
type OpenOrderView struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	PositionSide  string
	Type          string
	ReduceOnly    bool
	ClosePosition bool
	StopPrice     decimal.Decimal
	OrigQty       decimal.Decimal
}

// FetchOpenOrders lists regular open orders for a symbol.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrderView, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		PositionSide  string `json:"positionSide"`
		Type          string `json:"type"`
		ReduceOnly    bool   `json:"reduceOnly"`
		ClosePosition bool   `json:"closePosition"`
		StopPrice     string `json:"stopPrice"`
		OrigQty       string `json:"origQty"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode openOrders: %w", err)
	}
	return mapOpenOrders(raw), nil
}

// FetchOpenAlgoOrders lists conditional/algo orders (the venue's separate
// pipeline for some closePosition stops). Binance's futures algo-order list
// sometimes wraps the array in an object with an "orders" field; this
// tolerates both shapes.
func (c *Client) FetchOpenAlgoOrders(ctx context.Context, symbol string) ([]OpenOrderView, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v1/algo/futures/openOrders", params)
	if err != nil {
		var apiErr *apiStatusError
		if errors.As(err, &apiErr) && apiErr.status == 404 {
			return nil, nil
		}
		return nil, err
	}

	type algoRow struct {
		AlgoID        int64  `json:"algoId"`
		ClientAlgoID  string `json:"clientAlgoId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		PositionSide  string `json:"positionSide"`
		OrderType     string `json:"orderType"`
		ReduceOnly    bool   `json:"reduceOnly"`
		ClosePosition bool   `json:"closePosition"`
		StopPrice     string `json:"stopPrice"`
		OrigQty       string `json:"origQty"`
	}
	var rows []algoRow
	if err := json.Unmarshal(body, &rows); err != nil {
		var wrapped struct {
			Orders []algoRow `json:"orders"`
		}
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil {
			return nil, fmt.Errorf("decode algo openOrders: %w", err)
		}
		rows = wrapped.Orders
	}

	out := make([]OpenOrderView, 0, len(rows))
	for _, a := range rows {
		out = append(out, OpenOrderView{
			OrderID:       strconv.FormatInt(a.AlgoID, 10),
			ClientOrderID: a.ClientAlgoID,
			Symbol:        a.Symbol,
			Side:          a.Side,
			PositionSide:  a.PositionSide,
			Type:          a.OrderType,
			ReduceOnly:    a.ReduceOnly,
			ClosePosition: a.ClosePosition,
			StopPrice:     parseDecimalOrZero(a.StopPrice),
			OrigQty:       parseDecimalOrZero(a.OrigQty),
		})
	}
	return out, nil
}

func mapOpenOrders(raw []struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	ReduceOnly    bool   `json:"reduceOnly"`
	ClosePosition bool   `json:"closePosition"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
}) []OpenOrderView {
	out := make([]OpenOrderView, 0, len(raw))
	for _, o := range raw {
		out = append(out, OpenOrderView{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			PositionSide:  o.PositionSide,
			Type:          o.Type,
			ReduceOnly:    o.ReduceOnly,
			ClosePosition: o.ClosePosition,
			StopPrice:     parseDecimalOrZero(o.StopPrice),
			OrigQty:       parseDecimalOrZero(o.OrigQty),
		})
	}
	return out
}

// Submit places a single order from a fully-formed intent.
func (c *Client) Submit(ctx context.Context, intent coretypes.OrderIntent) (coretypes.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return coretypes.OrderResult{}, errors.New("binance usdt futures: API key/secret required")
	}
	params := url.Values{}
	params.Set("symbol", intent.Symbol)
	params.Set("side", string(intent.Side))
	params.Set("positionSide", string(intent.PositionSide))
	params.Set("type", string(intent.OrderType))

	switch intent.OrderType {
	case coretypes.OrderTypeLimit:
		params.Set("quantity", intent.Qty.String())
		params.Set("price", intent.Price.String())
		params.Set("timeInForce", string(intent.TimeInForce))
		if intent.ReduceOnly {
			params.Set("reduceOnly", "true")
		}
	case coretypes.OrderTypeStopMarket:
		params.Set("stopPrice", intent.StopPrice.String())
		params.Set("workingType", "MARK_PRICE")
		if intent.ClosePosition {
			params.Set("closePosition", "true")
		} else {
			params.Set("quantity", intent.Qty.String())
			if intent.ReduceOnly {
				params.Set("reduceOnly", "true")
			}
		}
	}
	if intent.ClientOrderID != "" {
		params.Set("newClientOrderId", intent.ClientOrderID)
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/fapi/v1/order", params)
	if err != nil {
		return coretypes.OrderResult{Success: false, ErrorMessage: err.Error()}, err
	}
	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return coretypes.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return coretypes.OrderResult{
		Success:       true,
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        coretypes.OrderStatus(resp.Status),
	}, nil
}

// SubmitStop places a STOP_MARKET closePosition order, satisfying
// risk.ProtectiveStopExchange.
func (c *Client) SubmitStop(intent coretypes.OrderIntent) (coretypes.OrderResult, error) {
	return c.Submit(context.Background(), intent)
}

// Cancel cancels a normal order by exchange order id.
func (c *Client) Cancel(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	_, err := c.doSigned(ctx, http.MethodDelete, c.baseURL+"/fapi/v1/order", params)
	return err
}

// CancelAlgo cancels a conditional/algo order by algo id.
func (c *Client) CancelAlgo(ctx context.Context, symbol, algoID string) error {
	params := url.Values{}
	params.Set("algoId", algoID)
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	_, err := c.doSigned(ctx, http.MethodDelete, c.baseURL+"/fapi/v1/algo/futures/order", params)
	return err
}

// CancelAny tries the normal-order endpoint first, then falls back to the
// algo-order endpoint: the caller doesn't always know which pipeline a
// discovered external or protective stop lives in.
func (c *Client) CancelAny(ctx context.Context, symbol, orderID string) error {
	if err := c.Cancel(ctx, symbol, orderID); err != nil {
		return c.CancelAlgo(ctx, symbol, orderID)
	}
	return nil
}

// CancelOrder satisfies risk.ProtectiveStopExchange.
func (c *Client) CancelOrder(symbol, orderID, clientOrderID string) error {
	return c.CancelAny(context.Background(), symbol, orderID)
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	_, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/fapi/v1/leverage", params)
	return err
}

// SetPositionSideDual enables/disables hedge mode; cmd/liquidator calls it
// with true at startup and exits if the call fails.
func (c *Client) SetPositionSideDual(ctx context.Context, dual bool) error {
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(dual))
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	_, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/fapi/v1/positionSide/dual", params)
	return err
}

type apiStatusError struct {
	status int
	body   string
}

func (e *apiStatusError) Error() string {
	return fmt.Sprintf("binance usdt futures status %d: %s", e.status, e.body)
}

func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.weightUsage.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, &apiStatusError{status: res.StatusCode, body: string(body)}
	}
	return body, nil
}

func sign(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
