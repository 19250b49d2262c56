package indicators

import (
	"math"

	"github.com/cthulu-trading/cthulu/pkg/types"
)

// Spec names one indicator and its parameters for the per-cycle
// snapshot.
type Spec struct {
	Name   string
	Params map[string]float64
}

// DefaultSpecs returns the full indicator set with standard parameters.
func DefaultSpecs() []Spec {
	return []Spec{
		{Name: "rsi", Params: map[string]float64{"period": 14}},
		{Name: "atr", Params: map[string]float64{"period": 14}},
		{Name: "sma", Params: map[string]float64{"fast": 10, "slow": 30}},
		{Name: "ema", Params: map[string]float64{"fast": 12, "slow": 26}},
		{Name: "macd", Params: map[string]float64{"fast": 12, "slow": 26, "signal": 9}},
		{Name: "bollinger", Params: map[string]float64{"period": 20, "stddev": 2}},
		{Name: "stochastic", Params: map[string]float64{"period": 14, "smooth": 3}},
		{Name: "adx", Params: map[string]float64{"period": 14}},
		{Name: "supertrend", Params: map[string]float64{"period": 10, "multiplier": 3}},
		{Name: "vwap"},
	}
}

func param(p map[string]float64, key string, def float64) float64 {
	if p == nil {
		return def
	}
	if v, ok := p[key]; ok && v > 0 {
		return v
	}
	return def
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func prev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	return values[len(values)-2]
}

// Snapshot computes the configured indicators over the series and
// returns their latest (and previous, where cross detection needs it)
// values. Pure function of its inputs.
func Snapshot(series *types.Series, specs []Spec) types.IndicatorSnapshot {
	snap := make(types.IndicatorSnapshot, len(specs))
	closes := series.Closes()
	bars := series.Bars

	for _, spec := range specs {
		switch spec.Name {
		case "rsi":
			vals := RSI(closes, int(param(spec.Params, "period", 14)))
			snap["rsi"] = types.IndicatorValue{
				Scalar:     last(vals),
				Components: map[string]float64{"prev": prev(vals)},
			}
		case "atr":
			vals := ATR(bars, int(param(spec.Params, "period", 14)))
			snap["atr"] = types.IndicatorValue{Scalar: last(vals)}
		case "sma":
			fast := SMA(closes, int(param(spec.Params, "fast", 10)))
			slow := SMA(closes, int(param(spec.Params, "slow", 30)))
			snap["sma"] = types.IndicatorValue{Components: map[string]float64{
				"fast": last(fast), "slow": last(slow),
				"fast_prev": prev(fast), "slow_prev": prev(slow),
			}}
		case "ema":
			fast := EMA(closes, int(param(spec.Params, "fast", 12)))
			slow := EMA(closes, int(param(spec.Params, "slow", 26)))
			snap["ema"] = types.IndicatorValue{Components: map[string]float64{
				"fast": last(fast), "slow": last(slow),
				"fast_prev": prev(fast), "slow_prev": prev(slow),
			}}
		case "macd":
			line, sig, hist := MACD(closes,
				int(param(spec.Params, "fast", 12)),
				int(param(spec.Params, "slow", 26)),
				int(param(spec.Params, "signal", 9)))
			snap["macd"] = types.IndicatorValue{Components: map[string]float64{
				"line": last(line), "signal": last(sig),
				"hist": last(hist), "hist_prev": prev(hist),
			}}
		case "bollinger":
			upper, middle, lower := Bollinger(closes,
				int(param(spec.Params, "period", 20)),
				param(spec.Params, "stddev", 2))
			snap["bollinger"] = types.IndicatorValue{Components: map[string]float64{
				"upper": last(upper), "middle": last(middle), "lower": last(lower),
			}}
		case "stochastic":
			k, d := Stochastic(bars,
				int(param(spec.Params, "period", 14)),
				int(param(spec.Params, "smooth", 3)))
			snap["stochastic"] = types.IndicatorValue{Components: map[string]float64{
				"k": last(k), "d": last(d),
			}}
		case "adx":
			vals := ADX(bars, int(param(spec.Params, "period", 14)))
			snap["adx"] = types.IndicatorValue{Scalar: last(vals)}
		case "supertrend":
			band, dir := Supertrend(bars,
				int(param(spec.Params, "period", 10)),
				param(spec.Params, "multiplier", 3))
			d := 0.0
			if len(dir) > 0 {
				d = float64(dir[len(dir)-1])
			}
			snap["supertrend"] = types.IndicatorValue{Components: map[string]float64{
				"band": last(band), "direction": d,
			}}
		case "vwap":
			vals := VWAP(bars)
			snap["vwap"] = types.IndicatorValue{Scalar: last(vals)}
		}
	}
	return snap
}
