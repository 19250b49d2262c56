package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/cthulu-trading/cthulu/pkg/types"
)

// crossConfidence maps the gap between two lines against ATR onto
// [0.5, 1.0]: 0.5 + 0.5*min(1, |gap|/atr).
func crossConfidence(gap, atr float64) float64 {
	if math.IsNaN(atr) || atr <= 0 {
		return 0.5
	}
	return 0.5 + 0.5*math.Min(1, math.Abs(gap)/atr)
}

func newSignal(series *types.Series, side types.Side, conf float64, id, reason string) *types.Signal {
	return &types.Signal{
		Symbol:      series.Symbol,
		Side:        side,
		Confidence:  conf,
		StrategyID:  id,
		Reason:      reason,
		GeneratedAt: time.Now().UTC(),
	}
}

// maCross fires on a fast/slow moving-average cross. The indicator
// field selects the "sma" or "ema" snapshot entry.
type maCross struct {
	id        string
	indicator string
	params    Params
}

func (s *maCross) ID() string { return s.id }

func (s *maCross) Evaluate(series *types.Series, snap types.IndicatorSnapshot, _ types.MarketContext) *types.Signal {
	fast := snap.Component(s.indicator, "fast")
	slow := snap.Component(s.indicator, "slow")
	fastPrev := snap.Component(s.indicator, "fast_prev")
	slowPrev := snap.Component(s.indicator, "slow_prev")
	if math.IsNaN(fast) || math.IsNaN(slow) || math.IsNaN(fastPrev) || math.IsNaN(slowPrev) {
		return nil
	}
	atr := snap.Scalar("atr")
	switch {
	case fastPrev <= slowPrev && fast > slow:
		return newSignal(series, types.SideLong, crossConfidence(fast-slow, atr), s.id,
			fmt.Sprintf("fast %s crossed above slow", s.indicator))
	case fastPrev >= slowPrev && fast < slow:
		return newSignal(series, types.SideShort, crossConfidence(fast-slow, atr), s.id,
			fmt.Sprintf("fast %s crossed below slow", s.indicator))
	}
	return nil
}

// momentumBreakout fires when the close crosses the prior N-bar extreme
// on elevated volume.
type momentumBreakout struct {
	params Params
}

func (s *momentumBreakout) ID() string { return "momentum_breakout" }

func (s *momentumBreakout) Evaluate(series *types.Series, snap types.IndicatorSnapshot, _ types.MarketContext) *types.Signal {
	lookback := int(s.params.get("lookback", 20))
	volMult := s.params.get("volume_mult", 1.5)
	bars := series.Bars
	if len(bars) < lookback+2 {
		return nil
	}
	cur := bars[len(bars)-1]

	// Extremes and average volume over the lookback window excluding
	// the current bar.
	hi, lo, avgVol := math.Inf(-1), math.Inf(1), 0.0
	for _, b := range bars[len(bars)-1-lookback : len(bars)-1] {
		hi = math.Max(hi, b.High)
		lo = math.Min(lo, b.Low)
		avgVol += b.Volume
	}
	avgVol /= float64(lookback)
	if avgVol <= 0 || cur.Volume < volMult*avgVol {
		return nil
	}
	volRatio := cur.Volume / (volMult * avgVol)
	conf := 0.5 + 0.5*math.Min(1, volRatio-0.0)
	switch {
	case cur.Close > hi:
		return newSignal(series, types.SideLong, math.Min(conf, 1),
			"momentum_breakout", fmt.Sprintf("close %.5f broke %d-bar high %.5f", cur.Close, lookback, hi))
	case cur.Close < lo:
		return newSignal(series, types.SideShort, math.Min(conf, 1),
			"momentum_breakout", fmt.Sprintf("close %.5f broke %d-bar low %.5f", cur.Close, lookback, lo))
	}
	return nil
}

// scalping fires on RSI crossing back through the inner bands in calm
// spreads, with tight ATR-scaled stops.
type scalping struct {
	params Params
}

func (s *scalping) ID() string { return "scalping" }

func (s *scalping) Evaluate(series *types.Series, snap types.IndicatorSnapshot, mkt types.MarketContext) *types.Signal {
	maxSpread := s.params.get("max_spread_pips", 2.0)
	if mkt.SpreadPips > maxSpread {
		return nil
	}
	longMax := s.params.get("long_max", 65)
	shortMin := s.params.get("short_min", 35)
	rsi := snap.Scalar("rsi")
	rsiPrev := snap.Component("rsi", "prev")
	atr := snap.Scalar("atr")
	bar, ok := series.Last()
	if !ok || math.IsNaN(rsi) || math.IsNaN(rsiPrev) || math.IsNaN(atr) {
		return nil
	}

	slMult := s.params.get("sl_atr_mult", 1.0)
	tpMult := s.params.get("tp_atr_mult", 1.5)
	switch {
	case rsiPrev <= shortMin && rsi > shortMin:
		sig := newSignal(series, types.SideLong, 0.55+0.45*math.Min(1, (shortMin-math.Min(rsiPrev, shortMin))/shortMin),
			"scalping", fmt.Sprintf("rsi recovered through %.0f", shortMin))
		sig.SuggestedSL = bar.Close - slMult*atr
		sig.SuggestedTP = bar.Close + tpMult*atr
		return sig
	case rsiPrev >= longMax && rsi < longMax:
		sig := newSignal(series, types.SideShort, 0.55+0.45*math.Min(1, (math.Max(rsiPrev, longMax)-longMax)/(100-longMax)),
			"scalping", fmt.Sprintf("rsi fell back through %.0f", longMax))
		sig.SuggestedSL = bar.Close + slMult*atr
		sig.SuggestedTP = bar.Close - tpMult*atr
		return sig
	}
	return nil
}

// trendFollow fires only in an established trend: ADX at or above the
// threshold with supertrend aligned.
type trendFollow struct {
	params Params
}

func (s *trendFollow) ID() string { return "trend_follow" }

func (s *trendFollow) Evaluate(series *types.Series, snap types.IndicatorSnapshot, _ types.MarketContext) *types.Signal {
	minADX := s.params.get("min_adx", 25)
	adx := snap.Scalar("adx")
	dir := snap.Component("supertrend", "direction")
	band := snap.Component("supertrend", "band")
	bar, ok := series.Last()
	if !ok || math.IsNaN(adx) || adx < minADX || math.IsNaN(dir) || math.IsNaN(band) {
		return nil
	}
	conf := 0.5 + 0.5*math.Min(1, (adx-minADX)/minADX)
	switch {
	case dir > 0 && bar.Close > band:
		return newSignal(series, types.SideLong, conf, "trend_follow",
			fmt.Sprintf("adx %.1f with supertrend long", adx))
	case dir < 0 && bar.Close < band:
		return newSignal(series, types.SideShort, conf, "trend_follow",
			fmt.Sprintf("adx %.1f with supertrend short", adx))
	}
	return nil
}

// meanReversion enters counter-trend when price closes outside a
// Bollinger band with RSI at an extreme.
type meanReversion struct {
	params Params
}

func (s *meanReversion) ID() string { return "mean_reversion" }

func (s *meanReversion) Evaluate(series *types.Series, snap types.IndicatorSnapshot, _ types.MarketContext) *types.Signal {
	rsiHigh := s.params.get("rsi_overbought", 70)
	rsiLow := s.params.get("rsi_oversold", 30)
	upper := snap.Component("bollinger", "upper")
	lower := snap.Component("bollinger", "lower")
	rsi := snap.Scalar("rsi")
	bar, ok := series.Last()
	if !ok || math.IsNaN(upper) || math.IsNaN(lower) || math.IsNaN(rsi) {
		return nil
	}
	switch {
	case bar.Close <= lower && rsi <= rsiLow:
		conf := 0.5 + 0.5*math.Min(1, (rsiLow-rsi)/rsiLow)
		return newSignal(series, types.SideLong, conf, "mean_reversion",
			fmt.Sprintf("close below lower band with rsi %.1f", rsi))
	case bar.Close >= upper && rsi >= rsiHigh:
		conf := 0.5 + 0.5*math.Min(1, (rsi-rsiHigh)/(100-rsiHigh))
		return newSignal(series, types.SideShort, conf, "mean_reversion",
			fmt.Sprintf("close above upper band with rsi %.1f", rsi))
	}
	return nil
}

// rsiReversal fires on the cross back from overbought or oversold.
type rsiReversal struct {
	params Params
}

func (s *rsiReversal) ID() string { return "rsi_reversal" }

func (s *rsiReversal) Evaluate(series *types.Series, snap types.IndicatorSnapshot, _ types.MarketContext) *types.Signal {
	high := s.params.get("overbought", 70)
	low := s.params.get("oversold", 30)
	rsi := snap.Scalar("rsi")
	rsiPrev := snap.Component("rsi", "prev")
	if math.IsNaN(rsi) || math.IsNaN(rsiPrev) {
		return nil
	}
	switch {
	case rsiPrev <= low && rsi > low:
		conf := 0.5 + 0.5*math.Min(1, (low-rsiPrev)/low)
		return newSignal(series, types.SideLong, conf, "rsi_reversal",
			fmt.Sprintf("rsi crossed back above %.0f", low))
	case rsiPrev >= high && rsi < high:
		conf := 0.5 + 0.5*math.Min(1, (rsiPrev-high)/(100-high))
		return newSignal(series, types.SideShort, conf, "rsi_reversal",
			fmt.Sprintf("rsi crossed back below %.0f", high))
	}
	return nil
}
