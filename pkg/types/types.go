// Package types provides shared type definitions for the trading engine.
package types

import (
	"math"
	"time"
)

// Side represents the direction of a signal or position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Opener records how a position came under engine management.
type Opener string

const (
	OpenedByEngine   Opener = "engine"
	OpenedByExternal Opener = "external"
	OpenedByAdopted  Opener = "adopted"
)

// Phase is the tiered account state driving risk scaling.
type Phase string

const (
	PhaseMicro       Phase = "micro"
	PhaseSeed        Phase = "seed"
	PhaseGrowth      Phase = "growth"
	PhaseEstablished Phase = "established"
	PhaseMature      Phase = "mature"
	PhaseRecovery    Phase = "recovery"
)

// DrawdownTier buckets drawdown percentage into risk multiplier tiers.
type DrawdownTier string

const (
	DrawdownNormal    DrawdownTier = "normal"
	DrawdownWarning   DrawdownTier = "warning"
	DrawdownSevere    DrawdownTier = "severe"
	DrawdownCritical  DrawdownTier = "critical"
	DrawdownEmergency DrawdownTier = "emergency"
)

// Session identifies the active trading session.
type Session string

const (
	SessionAsia     Session = "asia"
	SessionLondon   Session = "london"
	SessionNewYork  Session = "newyork"
	SessionRollover Session = "rollover"
)

// Timeframe represents MT5 bar cadences.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

// Bar is a single closed candlestick. Times are always UTC.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Series is an ordered sequence of bars for one (symbol, timeframe).
type Series struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Bars      []Bar     `json:"bars"`
}

// Len returns the number of bars in the series.
func (s *Series) Len() int { return len(s.Bars) }

// Last returns the most recent bar. The second return is false on an
// empty series.
func (s *Series) Last() (Bar, bool) {
	if len(s.Bars) == 0 {
		return Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}

// Closes returns the close prices aligned to the bar order.
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Volumes returns the volumes aligned to the bar order.
func (s *Series) Volumes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Volume
	}
	return out
}

// IndicatorValue is either a scalar or a keyed component map
// (e.g. macd -> {line, signal, hist}).
type IndicatorValue struct {
	Scalar     float64            `json:"scalar"`
	Components map[string]float64 `json:"components,omitempty"`
}

// IndicatorSnapshot maps indicator name to its latest value, computed
// fresh each cycle from the tail of a series.
type IndicatorSnapshot map[string]IndicatorValue

// Scalar returns the scalar value for name, or NaN if absent.
func (s IndicatorSnapshot) Scalar(name string) float64 {
	v, ok := s[name]
	if !ok {
		return math.NaN()
	}
	return v.Scalar
}

// Component returns a keyed component (e.g. "macd", "hist"), or NaN.
func (s IndicatorSnapshot) Component(name, key string) float64 {
	v, ok := s[name]
	if !ok || v.Components == nil {
		return math.NaN()
	}
	c, ok := v.Components[key]
	if !ok {
		return math.NaN()
	}
	return c
}

// Signal is a candidate entry produced by a strategy.
type Signal struct {
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Confidence   float64   `json:"confidence"` // [0,1]
	StrategyID   string    `json:"strategyId"`
	SuggestedLot float64   `json:"suggestedLot,omitempty"`
	SuggestedSL  float64   `json:"suggestedSl,omitempty"`
	SuggestedTP  float64   `json:"suggestedTp,omitempty"`
	Reason       string    `json:"reason"`
	GeneratedAt  time.Time `json:"generatedAt"`
}

// Position is an open broker position under tracker ownership.
type Position struct {
	Ticket        int64     `json:"ticket"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Lot           float64   `json:"lot"`
	EntryPrice    float64   `json:"entryPrice"`
	EntryTime     time.Time `json:"entryTime"`
	StopLoss      float64   `json:"stopLoss,omitempty"`
	TakeProfit    float64   `json:"takeProfit,omitempty"`
	CurrentPrice  float64   `json:"currentPrice"`
	UnrealizedPnL float64   `json:"unrealizedPnl"`
	PeakFavorable float64   `json:"peakFavorable"`
	PeakAdverse   float64   `json:"peakAdverse"`
	OpenedBy      Opener    `json:"openedBy"`
	Magic         int64     `json:"magic"`
}

// Account is the broker account snapshot refreshed each cycle.
type Account struct {
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
	Margin       float64 `json:"margin"`
	FreeMargin   float64 `json:"freeMargin"`
	Currency     string  `json:"currency"`
	TradeAllowed bool    `json:"tradeAllowed"`
	Phase        Phase   `json:"phase,omitempty"`
}

// SymbolInfo carries broker trading metadata for one symbol.
type SymbolInfo struct {
	Symbol       string  `json:"symbol"`
	Point        float64 `json:"point"`
	TickSize     float64 `json:"tickSize"`
	TickValue    float64 `json:"tickValue"`
	LotStep      float64 `json:"lotStep"`
	MinLot       float64 `json:"minLot"`
	MaxLot       float64 `json:"maxLot"`
	ContractSize float64 `json:"contractSize"`
	TradeAllowed bool    `json:"tradeAllowed"`
	SpreadPoints float64 `json:"spread"`
	StopsLevel   float64 `json:"stopsLevel"` // min SL/TP distance in points
	MarginRate   float64 `json:"marginRate"`
}

// MarketContext describes market micro-conditions per symbol per cycle.
type MarketContext struct {
	VolatilityLevel float64 `json:"volatilityLevel"` // current ATR / baseline ATR
	SpreadPips      float64 `json:"spreadPips"`
	TrendStrength   float64 `json:"trendStrength"` // ADX
	Session         Session `json:"session"`
	NearNewsEvent   bool    `json:"nearNewsEvent"`
	NearMarketClose bool    `json:"nearMarketClose"`
}

// PositionContext is derived from a position and the current price.
type PositionContext struct {
	UnrealizedPnL float64       `json:"unrealizedPnl"`
	UnrealizedPct float64       `json:"unrealizedPct"`
	HoldingTime   time.Duration `json:"holdingTime"`
	MFE           float64       `json:"mfe"` // in price units from entry
	MAE           float64       `json:"mae"`
	IsProfitable  bool          `json:"isProfitable"`
}

// ExitAction is the kind of action an exit decision requests.
type ExitAction string

const (
	ExitCloseFull    ExitAction = "close_full"
	ExitClosePartial ExitAction = "close_partial"
	ExitModify       ExitAction = "modify"
)

// ExitDecision is the single action an exit strategy proposes for a
// position. At most one decision is applied per position per cycle.
type ExitDecision struct {
	Ticket     int64      `json:"ticket"`
	Action     ExitAction `json:"action"`
	Fraction   float64    `json:"fraction,omitempty"` // close_partial only
	StopLoss   float64    `json:"stopLoss,omitempty"` // modify only
	TakeProfit float64    `json:"takeProfit,omitempty"`
	StrategyID string     `json:"strategyId"`
	Priority   float64    `json:"priority"` // [0,100] before adjustment
	Reason     string     `json:"reason"`
}

// OrderResult is the broker acknowledgement of a placed order.
type OrderResult struct {
	Ticket         int64   `json:"ticket"`
	FillPrice      float64 `json:"price"`
	SlippagePoints float64 `json:"slippage"`
	LatencyMS      int64   `json:"latency_ms"`
}

// CloseResult is the broker acknowledgement of a closed position.
type CloseResult struct {
	PnL   float64 `json:"pnl"`
	Price float64 `json:"price"`
}

// HealthStatus is the bridge health probe result.
type HealthStatus struct {
	OK        bool  `json:"ok"`
	LatencyMS int64 `json:"latency_ms"`
}
