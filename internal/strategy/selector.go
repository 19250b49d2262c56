package strategy

import (
	"math"
	"sort"

	"github.com/cthulu-trading/cthulu/pkg/types"
	"go.uber.org/zap"
)

// ConfidenceAdvisor optionally reshapes signal confidence. The selector
// treats the returned (gain, bias) as an affine transform on the
// original confidence and clamps the result to [0,1].
type ConfidenceAdvisor interface {
	Transform(sig types.Signal) (gain, bias float64)
}

// Weighted pairs a strategy with its configured weight.
type Weighted struct {
	Strategy Strategy
	Weight   float64
}

// Evaluation records one strategy's output for the signal funnel.
type Evaluation struct {
	Signal   types.Signal
	Weighted float64
	Accepted bool
	Reason   string
}

// Selector runs all configured strategies and reduces their signals to
// at most one per side, weighting by regime affinity.
type Selector struct {
	logger        *zap.Logger
	strategies    []Weighted
	minConfidence float64
	advisor       ConfidenceAdvisor
}

// NewSelector creates a dynamic selector over the given strategies.
func NewSelector(logger *zap.Logger, strategies []Weighted, minConfidence float64, advisor ConfidenceAdvisor) *Selector {
	return &Selector{
		logger:        logger.Named("selector"),
		strategies:    strategies,
		minConfidence: minConfidence,
		advisor:       advisor,
	}
}

// regimeAffinity scales a strategy's weight by how well it suits the
// current regime: trend followers are boosted in strong trends, mean
// reversion is shut off entirely there.
func regimeAffinity(strategyID string, adx float64) float64 {
	trending := !math.IsNaN(adx) && adx >= 25
	switch strategyID {
	case "trend_follow":
		if trending {
			return 1.5
		}
	case "mean_reversion":
		if trending {
			return 0
		}
	}
	return 1.0
}

// Select evaluates every strategy and returns the winning signals (at
// most one per side) plus the full evaluation record for persistence.
// Ties break alphabetically by strategy id, keeping selection
// deterministic.
func (s *Selector) Select(series *types.Series, snap types.IndicatorSnapshot, mkt types.MarketContext) ([]types.Signal, []Evaluation) {
	adx := snap.Scalar("adx")

	evals := make([]Evaluation, 0, len(s.strategies))
	for _, w := range s.strategies {
		sig := w.Strategy.Evaluate(series, snap, mkt)
		if sig == nil {
			continue
		}
		sig.Confidence = clamp01(sig.Confidence)
		if s.advisor != nil {
			gain, bias := s.advisor.Transform(*sig)
			sig.Confidence = clamp01(gain*sig.Confidence + bias)
		}

		ev := Evaluation{Signal: *sig}
		if sig.Confidence < s.minConfidence {
			ev.Reason = "below_min_confidence"
			evals = append(evals, ev)
			continue
		}
		ev.Weighted = sig.Confidence * w.Weight * regimeAffinity(w.Strategy.ID(), adx)
		if ev.Weighted <= 0 {
			ev.Reason = "regime_vetoed"
			evals = append(evals, ev)
			continue
		}
		evals = append(evals, ev)
	}

	// Highest weighted confidence wins per side; alphabetical id breaks
	// ties.
	sort.SliceStable(evals, func(i, j int) bool {
		if evals[i].Weighted != evals[j].Weighted {
			return evals[i].Weighted > evals[j].Weighted
		}
		return evals[i].Signal.StrategyID < evals[j].Signal.StrategyID
	})

	var chosen []types.Signal
	taken := make(map[types.Side]bool, 2)
	for i := range evals {
		ev := &evals[i]
		if ev.Reason != "" {
			continue
		}
		if taken[ev.Signal.Side] {
			ev.Reason = "outweighed"
			continue
		}
		taken[ev.Signal.Side] = true
		ev.Accepted = true
		chosen = append(chosen, ev.Signal)
		s.logger.Debug("signal selected",
			zap.String("strategy", ev.Signal.StrategyID),
			zap.String("side", string(ev.Signal.Side)),
			zap.Float64("confidence", ev.Signal.Confidence),
			zap.Float64("weighted", ev.Weighted),
		)
	}
	return chosen, evals
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
