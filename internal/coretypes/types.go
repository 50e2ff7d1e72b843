// Package coretypes defines the shared data model for the liquidation
// executor: instrument rules, market snapshots, positions, signals, order
// intents/results/updates and the per-side execution state. Every price and
// quantity field is a decimal.Decimal — no binary floating point anywhere in
// the hot path.
package coretypes

import (
	"github.com/shopspring/decimal"
)

// PositionSide identifies one leg of a hedge-mode account.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType enumerates the two order types this system ever submits.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// TimeInForce enumerates the two TIFs this system ever submits.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFGTX TimeInForce = "GTX" // post-only / maker-only
)

// OrderStatus normalizes exchange order lifecycle states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// SignalReason identifies which exit condition fired.
type SignalReason string

const (
	ReasonLongPrimary     SignalReason = "long_primary"
	ReasonLongBidImprove  SignalReason = "long_bid_improve"
	ReasonShortPrimary    SignalReason = "short_primary"
	ReasonShortAskImprove SignalReason = "short_ask_improve"
	ReasonPanicClose      SignalReason = "panic_close"
)

// ExecState is the state machine's node set for a (symbol, side).
type ExecState string

const (
	StateIdle      ExecState = "IDLE"
	StatePlacing   ExecState = "PLACING"
	StateWaiting   ExecState = "WAITING"
	StateCanceling ExecState = "CANCELING"
	StateCooldown  ExecState = "COOLDOWN"
)

// ExecMode is the pricing aggressiveness of the currently active order.
type ExecMode string

const (
	ModeMakerOnly       ExecMode = "MAKER_ONLY"
	ModeAggressiveLimit ExecMode = "AGGRESSIVE_LIMIT"
)

// InstrumentRules holds the venue's price/qty grid for one symbol.
// Invariants: all fields positive; StepSize <= MinQty.
type InstrumentRules struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	Leverage    int
}

// MarketSnapshot is the latest known top-of-book plus trade prices for a
// symbol. IsReady once both a quote and two trades have been observed.
type MarketSnapshot struct {
	Symbol             string
	BestBid            decimal.Decimal
	BestAsk            decimal.Decimal
	LastTradePrice     decimal.Decimal
	PreviousTradePrice decimal.Decimal
	MarkPrice          decimal.Decimal

	HaveQuote  bool
	TradeCount int // saturates at 2; used only to derive IsReady

	LastQuoteMs int64
	LastTradeMs int64
	LastMarkMs  int64
}

// IsReady reports whether the snapshot carries enough history to evaluate
// exit conditions (best-bid/ask plus at least two trade prints).
func (m *MarketSnapshot) IsReady() bool {
	return m.HaveQuote && m.TradeCount >= 2
}

// Stale reports whether neither a trade nor a quote has arrived within
// staleMs of nowMs. Mark-price updates deliberately do not count.
func (m *MarketSnapshot) Stale(nowMs int64, staleMs int64) bool {
	youngest := m.LastQuoteMs
	if m.LastTradeMs > youngest {
		youngest = m.LastTradeMs
	}
	if youngest == 0 {
		return true
	}
	return nowMs-youngest > staleMs
}

// PricePoint is one (timestamp, last trade price) sample in a symbol's
// rolling history.
type PricePoint struct {
	TimestampMs int64
	Price       decimal.Decimal
}

// Position is the signed exposure on one (symbol, side).
type Position struct {
	Symbol           string
	Side             PositionSide
	PositionAmt      decimal.Decimal // signed magnitude on this side; always evaluated via Abs()
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
	UnrealizedPnl    decimal.Decimal
}

// IsZero reports whether the position has no remaining exposure.
func (p Position) IsZero() bool {
	return p.PositionAmt.IsZero()
}

// ExitSignal is emitted by the signal engine when an exit condition fires.
type ExitSignal struct {
	Symbol      string
	Side        PositionSide
	Reason      SignalReason
	TimestampMs int64
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	LastPrice   decimal.Decimal
	RoiMult     decimal.Decimal // >= 1
	AccelMult   decimal.Decimal // >= 1
}

// OrderIntent is a fully-formed request the execution engine (or the risk
// supervisor, bypassing it) wants submitted to the venue.
type OrderIntent struct {
	Symbol       string
	Side         OrderSide
	PositionSide PositionSide
	Qty          decimal.Decimal
	Price        decimal.Decimal // required for LIMIT
	StopPrice    decimal.Decimal // required for STOP_MARKET
	OrderType    OrderType
	TimeInForce  TimeInForce
	ReduceOnly   bool
	ClosePosition bool
	ClientOrderID string
	IsRisk        bool // priority flag: bypasses the local rate limiter
	TTLMs         int64
}

// OrderResult is the venue's synchronous ack (or rejection) for a submit or
// cancel call.
type OrderResult struct {
	Success      bool
	OrderID      string
	ClientOrderID string
	Status       OrderStatus
	FilledQty    decimal.Decimal
	AvgPrice     decimal.Decimal
	ErrorCode    string
	ErrorMessage string
}

// OrderUpdate is a normalized ORDER_TRADE_UPDATE event from the user-data
// stream.
type OrderUpdate struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          OrderSide
	PositionSide  PositionSide
	Status        OrderStatus
	OrderType     OrderType
	FilledQty     decimal.Decimal
	CumFilledQty  decimal.Decimal
	AvgPrice      decimal.Decimal
	LastPrice     decimal.Decimal
	TimestampMs   int64
	ReduceOnly    bool
	ClosePosition bool
	IsMaker       bool
	RealizedPnl   decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
}

// AlgoOrderUpdate is a normalized ALGO_UPDATE event (conditional/algo
// orders, e.g. exchange-resident stops on venues that route them through a
// separate algo-order service).
type AlgoOrderUpdate struct {
	Symbol        string
	AlgoID        string
	ClientAlgoID  string
	Side          OrderSide
	PositionSide  PositionSide
	Status        string
	OrderType     OrderType
	ClosePosition bool
	ReduceOnly    bool
	TimestampMs   int64
}

// LeverageUpdate reflects an ACCOUNT_CONFIG_UPDATE leverage change.
type LeverageUpdate struct {
	Symbol   string
	Leverage int
}

// SideExecutionState is the core stateful entity: one per (symbol,
// position side). Owned exclusively by the execution engine.
type SideExecutionState struct {
	Symbol       string
	Side         PositionSide
	State        ExecState
	Mode         ExecMode

	CurrentOrderID       string
	CurrentClientOrderID string
	CurrentOrderPlacedMs int64
	CurrentOrderTTLMs    int64
	CurrentOrderIsRisk   bool
	CurrentOrderFilledQty decimal.Decimal

	CancelIssuedMs int64

	MakerTimeoutCount int
	AggrTimeoutCount  int
	AggrFillCount     int

	// Fill-ratio feedback (rolling, Laplace-smoothed).
	MakerSubmissions int
	MakerFills       int

	// Sticky risk override: forces AGGRESSIVE_LIMIT until cleared by the
	// risk supervisor.
	ForceAggressive bool

	// Per-tier overrides injected by a panic-close intent; nil means "use
	// the configured base".
	MakerTimeoutsToEscalateOverride *int

	CooldownUntilMs int64
	LastSignalMs    int64
}

// MakerFillRatio is the Laplace-smoothed maker fill ratio:
// (fills + 1) / (submissions + 2).
func (s *SideExecutionState) MakerFillRatio() decimal.Decimal {
	num := decimal.NewFromInt(int64(s.MakerFills) + 1)
	den := decimal.NewFromInt(int64(s.MakerSubmissions) + 2)
	return num.Div(den)
}

// ResetCounters clears the mode-rotation and fill-ratio counters, used on
// mode change and when a side is recycled after reaching zero.
func (s *SideExecutionState) ResetCounters() {
	s.MakerTimeoutCount = 0
	s.AggrTimeoutCount = 0
	s.AggrFillCount = 0
	s.MakerSubmissions = 0
	s.MakerFills = 0
}

// Recycle returns the state to its initial values, keeping identity
// (Symbol/Side) so the same struct can be reused if the position reopens.
func (s *SideExecutionState) Recycle() {
	symbol, side := s.Symbol, s.Side
	*s = SideExecutionState{Symbol: symbol, Side: side, State: StateIdle, Mode: ModeMakerOnly}
}
