// Package indicators computes technical indicators over bar series.
//
// All functions are pure: outputs are aligned to input length, warmup
// indices emit NaN, and nothing is cached across calls. The engine
// recomputes on the series tail every cycle.
package indicators

import (
	"math"

	"github.com/cthulu-trading/cthulu/pkg/types"
)

// epsilon neutralizes one-sided gain/loss series in RSI so an all-gain
// input yields ~100 and an all-loss input ~0 without dividing by zero.
const epsilon = 1e-10

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA returns the n-period simple moving average, NaN before n-1.
func SMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 || len(values) < n {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= n {
			sum -= values[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// EMA returns the n-period exponential moving average seeded with the
// SMA of the first n values, NaN before n-1.
func EMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 || len(values) < n {
		return out
	}
	alpha := 2.0 / (float64(n) + 1.0)
	var seed float64
	for i := 0; i < n; i++ {
		seed += values[i]
	}
	out[n-1] = seed / float64(n)
	for i := n; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI returns the n-period Relative Strength Index using Wilder
// smoothing. NaN during warmup; always within [0,100] after it.
func RSI(closes []float64, n int) []float64 {
	out := nanSlice(len(closes))
	if n <= 0 || len(closes) <= n {
		return out
	}
	var avgGain, avgLoss float64
	for i := 1; i <= n; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(n)
	avgLoss /= float64(n)
	out[n] = rsiFrom(avgGain, avgLoss)
	for i := n + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
		out[i] = rsiFrom(avgGain, avgLoss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss < epsilon {
		avgLoss = epsilon
	}
	rs := avgGain / avgLoss
	return 100.0 - 100.0/(1.0+rs)
}

// TrueRange returns the per-bar true range, NaN at index 0.
func TrueRange(bars []types.Bar) []float64 {
	out := nanSlice(len(bars))
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	if len(bars) > 0 {
		out[0] = bars[0].High - bars[0].Low
	}
	return out
}

// ATR returns the exponential moving average of true range over n.
// Leading NaNs are backward-filled from the first valid value.
func ATR(bars []types.Bar, n int) []float64 {
	tr := TrueRange(bars)
	out := EMA(tr, n)
	backfill(out)
	return out
}

// backfill replaces leading NaNs with the first non-NaN value.
func backfill(values []float64) {
	first := math.NaN()
	idx := -1
	for i, v := range values {
		if !math.IsNaN(v) {
			first, idx = v, i
			break
		}
	}
	if idx < 0 {
		return
	}
	for i := 0; i < idx; i++ {
		values[i] = first
	}
}

// MACD returns the MACD line, signal line, and histogram.
func MACD(closes []float64, fast, slow, signal int) (line, sig, hist []float64) {
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	line = nanSlice(len(closes))
	for i := range closes {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	// Signal is an EMA of MACD, valid only where MACD is.
	valid := make([]float64, 0, len(line))
	offset := 0
	for i, v := range line {
		if !math.IsNaN(v) {
			offset = i
			valid = line[i:]
			break
		}
	}
	sig = nanSlice(len(closes))
	if len(valid) >= signal {
		sigTail := EMA(valid, signal)
		copy(sig[offset:], sigTail)
	}
	hist = nanSlice(len(closes))
	for i := range closes {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}

// Bollinger returns the upper, middle, and lower bands (SMA ± k·stddev).
func Bollinger(closes []float64, n int, k float64) (upper, middle, lower []float64) {
	middle = SMA(closes, n)
	upper = nanSlice(len(closes))
	lower = nanSlice(len(closes))
	for i := n - 1; i < len(closes); i++ {
		mean := middle[i]
		var variance float64
		for j := i - n + 1; j <= i; j++ {
			d := closes[j] - mean
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(n))
		upper[i] = mean + k*sd
		lower[i] = mean - k*sd
	}
	return upper, middle, lower
}

// Stochastic returns %K and %D over period n with %D smoothing.
func Stochastic(bars []types.Bar, n, smooth int) (k, d []float64) {
	k = nanSlice(len(bars))
	for i := n - 1; i < len(bars); i++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for j := i - n + 1; j <= i; j++ {
			lo = math.Min(lo, bars[j].Low)
			hi = math.Max(hi, bars[j].High)
		}
		if hi-lo < epsilon {
			k[i] = 50.0
			continue
		}
		k[i] = 100.0 * (bars[i].Close - lo) / (hi - lo)
	}
	// %D is the SMA of %K over the valid region.
	d = nanSlice(len(bars))
	if len(bars) >= n-1+smooth {
		tail := SMA(k[n-1:], smooth)
		copy(d[n-1:], tail)
	}
	return k, d
}

// ADX returns the Average Directional Index in the standard Wilder
// formulation.
func ADX(bars []types.Bar, n int) []float64 {
	out := nanSlice(len(bars))
	if len(bars) < 2*n+1 {
		return out
	}
	tr := TrueRange(bars)
	plusDM := make([]float64, len(bars))
	minusDM := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder smoothing: seed with the first n sums, then recursive.
	var smTR, smPlus, smMinus float64
	for i := 1; i <= n; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}
	dx := nanSlice(len(bars))
	for i := n; i < len(bars); i++ {
		if i > n {
			smTR = smTR - smTR/float64(n) + tr[i]
			smPlus = smPlus - smPlus/float64(n) + plusDM[i]
			smMinus = smMinus - smMinus/float64(n) + minusDM[i]
		}
		if smTR < epsilon {
			dx[i] = 0
			continue
		}
		plusDI := 100.0 * smPlus / smTR
		minusDI := 100.0 * smMinus / smTR
		sum := plusDI + minusDI
		if sum < epsilon {
			dx[i] = 0
			continue
		}
		dx[i] = 100.0 * math.Abs(plusDI-minusDI) / sum
	}

	var adx float64
	for i := n; i < 2*n; i++ {
		adx += dx[i]
	}
	adx /= float64(n)
	out[2*n-1] = adx
	for i := 2 * n; i < len(bars); i++ {
		adx = (adx*float64(n-1) + dx[i]) / float64(n)
		out[i] = adx
	}
	return out
}

// Supertrend returns the trailing band values and the trend direction
// (+1 long, -1 short). The band flips when close crosses the opposite
// band.
func Supertrend(bars []types.Bar, n int, mult float64) (band []float64, dir []int) {
	band = nanSlice(len(bars))
	dir = make([]int, len(bars))
	atr := ATR(bars, n)
	if len(bars) < n {
		return band, dir
	}

	upper := make([]float64, len(bars))
	lower := make([]float64, len(bars))
	for i := range bars {
		mid := (bars[i].High + bars[i].Low) / 2
		upper[i] = mid + mult*atr[i]
		lower[i] = mid - mult*atr[i]
	}

	// Tighten bands against the prior bar's final bands.
	for i := 1; i < len(bars); i++ {
		if lower[i] < lower[i-1] && bars[i-1].Close > lower[i-1] {
			lower[i] = lower[i-1]
		}
		if upper[i] > upper[i-1] && bars[i-1].Close < upper[i-1] {
			upper[i] = upper[i-1]
		}
	}

	dir[0] = 1
	for i := 1; i < len(bars); i++ {
		switch {
		case bars[i].Close > upper[i-1]:
			dir[i] = 1
		case bars[i].Close < lower[i-1]:
			dir[i] = -1
		default:
			dir[i] = dir[i-1]
		}
		if dir[i] > 0 {
			band[i] = lower[i]
		} else {
			band[i] = upper[i]
		}
	}
	return band, dir
}

// VWAP returns the session-cumulative volume-weighted average price.
// The accumulation resets at each UTC day boundary.
func VWAP(bars []types.Bar) []float64 {
	out := nanSlice(len(bars))
	var cumPV, cumV float64
	var day int
	for i, b := range bars {
		d := b.Time.UTC().YearDay() + b.Time.UTC().Year()*1000
		if i == 0 || d != day {
			cumPV, cumV = 0, 0
			day = d
		}
		typical := (b.High + b.Low + b.Close) / 3
		cumPV += typical * b.Volume
		cumV += b.Volume
		if cumV > epsilon {
			out[i] = cumPV / cumV
		}
	}
	return out
}
