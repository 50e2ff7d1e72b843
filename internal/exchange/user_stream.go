package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trading-core/internal/coretypes"
)

// BinanceUserStream reads a single listen-key-based user-data stream
// connection and normalizes ORDER_TRADE_UPDATE, ACCOUNT_CONFIG_UPDATE, and
// ALGO_UPDATE events over a gorilla/websocket connection with an
// event-type switch and reconnect-with-backoff loop.
type BinanceUserStream struct {
	baseURL string // wss://fstream.binance.com by default
}

func NewBinanceUserStream(testnet bool) *BinanceUserStream {
	base := "wss://fstream.binance.com"
	if testnet {
		base = "wss://stream.binancefuture.com"
	}
	return &BinanceUserStream{baseURL: base}
}

func (s *BinanceUserStream) Run(ctx context.Context, listenKey string, onOrder OrderUpdateHandler, onAlgo AlgoUpdateHandler, onLeverage LeverageHandler, onReconnect ReconnectHandler) error {
	url := s.baseURL + "/ws/" + listenKey
	backoff := time.Second
	reconnecting := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.runOnce(ctx, url, onOrder, onAlgo, onLeverage, reconnecting, onReconnect); err != nil {
			log.Printf("exchange: user stream disconnected: %v (retrying in %s)", err, backoff)
		}
		reconnecting = true
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

type userStreamEnvelope struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Order     json.RawMessage `json:"o"`
	Account   json.RawMessage `json:"a"`
}

func (s *BinanceUserStream) runOnce(ctx context.Context, url string, onOrder OrderUpdateHandler, onAlgo AlgoUpdateHandler, onLeverage LeverageHandler, reconnecting bool, onReconnect ReconnectHandler) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if reconnecting && onReconnect != nil {
		onReconnect()
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var env userStreamEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		switch env.EventType {
		case "ORDER_TRADE_UPDATE":
			if onOrder == nil {
				continue
			}
			var o struct {
				Symbol        string `json:"s"`
				ClientOrderID string `json:"c"`
				Side          string `json:"S"`
				OrderType     string `json:"o"`
				PositionSide  string `json:"ps"`
				Status        string `json:"X"`
				OrderID       int64  `json:"i"`
				FilledQty     string `json:"l"`
				CumFilledQty  string `json:"z"`
				AvgPrice      string `json:"ap"`
				LastPrice     string `json:"L"`
				ReduceOnly    bool   `json:"R"`
				ClosePosition bool   `json:"cp"`
				IsMaker       bool   `json:"m"`
				RealizedPnl   string `json:"rp"`
				Commission    string `json:"n"`
				CommissionAst string `json:"N"`
			}
			if err := json.Unmarshal(env.Order, &o); err != nil {
				continue
			}
			side := coretypes.PositionSideLong
			if o.PositionSide == "SHORT" {
				side = coretypes.PositionSideShort
			}
			onOrder(coretypes.OrderUpdate{
				Symbol:        o.Symbol,
				OrderID:       fmt.Sprintf("%d", o.OrderID),
				ClientOrderID: o.ClientOrderID,
				Side:          coretypes.OrderSide(o.Side),
				PositionSide:  side,
				Status:        coretypes.OrderStatus(o.Status),
				OrderType:     coretypes.OrderType(o.OrderType),
				FilledQty:     parseDecOr0(o.FilledQty),
				CumFilledQty:  parseDecOr0(o.CumFilledQty),
				AvgPrice:      parseDecOr0(o.AvgPrice),
				LastPrice:     parseDecOr0(o.LastPrice),
				TimestampMs:   env.EventTime,
				ReduceOnly:    o.ReduceOnly,
				ClosePosition: o.ClosePosition,
				IsMaker:       o.IsMaker,
				RealizedPnl:   parseDecOr0(o.RealizedPnl),
				Fee:           parseDecOr0(o.Commission),
				FeeAsset:      o.CommissionAst,
			})
		case "ACCOUNT_CONFIG_UPDATE":
			if onLeverage == nil {
				continue
			}
			var cfg struct {
				Symbol   string `json:"s"`
				Leverage int    `json:"l"`
			}
			// ac is nested under a different key on this event; tolerate absence.
			var wrapper struct {
				AccountConfig struct {
					Symbol   string `json:"s"`
					Leverage int    `json:"l"`
				} `json:"ac"`
			}
			if json.Unmarshal(msg, &wrapper) == nil && wrapper.AccountConfig.Symbol != "" {
				cfg = wrapper.AccountConfig
			}
			if cfg.Symbol != "" {
				onLeverage(coretypes.LeverageUpdate{Symbol: cfg.Symbol, Leverage: cfg.Leverage})
			}
		case "ALGO_UPDATE":
			if onAlgo == nil {
				continue
			}
			var a struct {
				Symbol        string `json:"s"`
				AlgoID        int64  `json:"algoId"`
				ClientAlgoID  string `json:"clientAlgoId"`
				Side          string `json:"S"`
				PositionSide  string `json:"ps"`
				OrderType     string `json:"ot"`
				Status        string `json:"as"`
				ReduceOnly    bool   `json:"ro"`
				ClosePosition bool   `json:"cp"`
			}
			if err := json.Unmarshal(msg, &a); err != nil {
				continue
			}
			side := coretypes.PositionSideLong
			if a.PositionSide == "SHORT" {
				side = coretypes.PositionSideShort
			}
			onAlgo(coretypes.AlgoOrderUpdate{
				Symbol:        a.Symbol,
				AlgoID:        fmt.Sprintf("%d", a.AlgoID),
				ClientAlgoID:  a.ClientAlgoID,
				Side:          coretypes.OrderSide(a.Side),
				PositionSide:  side,
				Status:        a.Status,
				OrderType:     coretypes.OrderType(a.OrderType),
				ClosePosition: a.ClosePosition,
				ReduceOnly:    a.ReduceOnly,
				TimestampMs:   env.EventTime,
			})
		}
	}
}

func parseDecOr0(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
