package engine

import (
	"math"
	"sync"
	"time"

	"github.com/cthulu-trading/cthulu/internal/indicators"
	"github.com/cthulu-trading/cthulu/pkg/types"
)

// pipSize returns the pip for a symbol's point (one pip is ten points
// on fractional-pip quotes).
func pipSize(info types.SymbolInfo) float64 {
	if info.Point <= 0 {
		return 0.0001
	}
	return info.Point * 10
}

// sessionFor buckets a UTC timestamp into the active trading session.
func sessionFor(t time.Time) types.Session {
	switch h := t.UTC().Hour(); {
	case h >= 22 || h < 6:
		return types.SessionAsia
	case h < 13:
		return types.SessionLondon
	case h < 21:
		return types.SessionNewYork
	default:
		return types.SessionRollover
	}
}

// nearMarketClose reports the FX weekend close window: Friday's last
// trading hour.
func nearMarketClose(t time.Time) bool {
	u := t.UTC()
	return u.Weekday() == time.Friday && u.Hour() >= 20
}

// buildMarketContext derives the per-cycle market context from bars,
// indicators, and symbol metadata.
func buildMarketContext(series *types.Series, snap types.IndicatorSnapshot, info types.SymbolInfo, now time.Time) types.MarketContext {
	// Volatility level is current ATR against its own recent average:
	// 1.0 is normal, 2.0 is twice normal.
	vol := 1.0
	if series.Len() > 20 {
		atrSeries := indicators.ATR(series.Bars, 14)
		cur := atrSeries[len(atrSeries)-1]
		var sum float64
		var n int
		for _, v := range atrSeries {
			if !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		if n > 0 && sum > 0 && !math.IsNaN(cur) {
			vol = cur / (sum / float64(n))
		}
	}

	return types.MarketContext{
		VolatilityLevel: vol,
		SpreadPips:      info.SpreadPoints * info.Point / pipSize(info),
		TrendStrength:   snap.Scalar("adx"),
		Session:         sessionFor(now),
		NearMarketClose: nearMarketClose(now),
	}
}

// lastBarGapPips measures the opening gap of the newest bar in pips.
func lastBarGapPips(series *types.Series, info types.SymbolInfo) float64 {
	n := series.Len()
	if n < 2 {
		return 0
	}
	gap := math.Abs(series.Bars[n-1].Open - series.Bars[n-2].Close)
	return gap / pipSize(info)
}

// errorRing keeps the last N error strings for the status snapshot.
type errorRing struct {
	mu   sync.Mutex
	max  int
	errs []string
}

func newErrorRing(max int) *errorRing {
	return &errorRing{max: max}
}

func (r *errorRing) add(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, time.Now().UTC().Format(time.RFC3339)+" "+msg)
	if len(r.errs) > r.max {
		r.errs = r.errs[len(r.errs)-r.max:]
	}
}

func (r *errorRing) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.errs))
	copy(out, r.errs)
	return out
}
