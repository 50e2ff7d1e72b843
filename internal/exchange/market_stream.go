package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// BinanceMarketStream subscribes to the combined bookTicker + aggTrade +
// markPrice streams for a fixed symbol set over a single websocket
// connection over gorilla/websocket, reconnecting with backoff on drop,
// and normalizing each message into the three futures streams the signal
// engine and risk supervisor need.
type BinanceMarketStream struct {
	baseURL string // wss://fstream.binance.com by default
}

func NewBinanceMarketStream(testnet bool) *BinanceMarketStream {
	base := "wss://fstream.binance.com"
	if testnet {
		base = "wss://stream.binancefuture.com"
	}
	return &BinanceMarketStream{baseURL: base}
}

func (s *BinanceMarketStream) Run(ctx context.Context, symbols []string, onQuote QuoteHandler, onTrade TradeHandler, onMark MarkHandler, onReconnect ReconnectHandler) error {
	streams := make([]string, 0, len(symbols)*3)
	for _, sym := range symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+"@bookTicker", lower+"@aggTrade", lower+"@markPrice@1s")
	}
	url := s.baseURL + "/stream?streams=" + strings.Join(streams, "/")

	backoff := time.Second
	reconnecting := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.runOnce(ctx, url, onQuote, onTrade, onMark, reconnecting, onReconnect); err != nil {
			log.Printf("exchange: market stream disconnected: %v (retrying in %s)", err, backoff)
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

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (s *BinanceMarketStream) runOnce(ctx context.Context, url string, onQuote QuoteHandler, onTrade TradeHandler, onMark MarkHandler, reconnecting bool, onReconnect ReconnectHandler) error {
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
		var env combinedEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		switch {
		case strings.HasSuffix(env.Stream, "@bookTicker"):
			var t struct {
				Symbol string `json:"s"`
				BidPx  string `json:"b"`
				AskPx  string `json:"a"`
			}
			if json.Unmarshal(env.Data, &t) == nil && onQuote != nil {
				onQuote(t.Symbol, t.BidPx, t.AskPx, time.Now().UnixMilli())
			}
		case strings.HasSuffix(env.Stream, "@aggTrade"):
			var t struct {
				Symbol string `json:"s"`
				Price  string `json:"p"`
				TradeT int64  `json:"T"`
			}
			if json.Unmarshal(env.Data, &t) == nil && onTrade != nil {
				onTrade(t.Symbol, t.Price, t.TradeT)
			}
		case strings.HasSuffix(env.Stream, "@markPrice@1s"):
			var t struct {
				Symbol    string `json:"s"`
				MarkPrice string `json:"p"`
				EventT    int64  `json:"E"`
			}
			if json.Unmarshal(env.Data, &t) == nil && onMark != nil {
				onMark(t.Symbol, t.MarkPrice, t.EventT)
			}
		}
	}
}
