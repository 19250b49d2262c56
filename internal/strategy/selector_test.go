package strategy_test

import (
	"testing"

	"github.com/cthulu-trading/cthulu/internal/strategy"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fixedSignal always emits the same signal, for driving the selector.
type fixedSignal struct {
	id         string
	side       types.Side
	confidence float64
}

func (f *fixedSignal) ID() string { return f.id }

func (f *fixedSignal) Evaluate(series *types.Series, snap types.IndicatorSnapshot, mkt types.MarketContext) *types.Signal {
	return &types.Signal{
		Symbol:     "EURUSD",
		Side:       f.side,
		Confidence: f.confidence,
		StrategyID: f.id,
	}
}

func snapshotWithADX(adx float64) types.IndicatorSnapshot {
	return types.IndicatorSnapshot{"adx": {Scalar: adx}}
}

func TestSelectFiltersBelowMinConfidence(t *testing.T) {
	sel := strategy.NewSelector(zap.NewNop(), []strategy.Weighted{
		{Strategy: &fixedSignal{id: "weak", side: types.SideLong, confidence: 0.3}, Weight: 1},
	}, 0.55, nil)

	chosen, evals := sel.Select(nil, snapshotWithADX(10), types.MarketContext{})
	assert.Empty(t, chosen)
	require.Len(t, evals, 1)
	assert.False(t, evals[0].Accepted)
	assert.Equal(t, "below_min_confidence", evals[0].Reason)
}

func TestSelectVetoesMeanReversionInTrend(t *testing.T) {
	sel := strategy.NewSelector(zap.NewNop(), []strategy.Weighted{
		{Strategy: &fixedSignal{id: "mean_reversion", side: types.SideLong, confidence: 0.9}, Weight: 1},
	}, 0.55, nil)

	chosen, evals := sel.Select(nil, snapshotWithADX(30), types.MarketContext{})
	assert.Empty(t, chosen)
	require.Len(t, evals, 1)
	assert.Equal(t, "regime_vetoed", evals[0].Reason)

	chosen, _ = sel.Select(nil, snapshotWithADX(15), types.MarketContext{})
	assert.Len(t, chosen, 1, "ranging market permits mean reversion")
}

func TestSelectBoostsTrendFollowInTrend(t *testing.T) {
	sel := strategy.NewSelector(zap.NewNop(), []strategy.Weighted{
		{Strategy: &fixedSignal{id: "trend_follow", side: types.SideLong, confidence: 0.6}, Weight: 1},
		{Strategy: &fixedSignal{id: "scalping", side: types.SideLong, confidence: 0.8}, Weight: 1},
	}, 0.55, nil)

	chosen, _ := sel.Select(nil, snapshotWithADX(30), types.MarketContext{})
	require.Len(t, chosen, 1)
	// 0.6 * 1.5 = 0.9 beats 0.8 in a strong trend.
	assert.Equal(t, "trend_follow", chosen[0].StrategyID)
}

func TestSelectOnePerSide(t *testing.T) {
	sel := strategy.NewSelector(zap.NewNop(), []strategy.Weighted{
		{Strategy: &fixedSignal{id: "a", side: types.SideLong, confidence: 0.9}, Weight: 1},
		{Strategy: &fixedSignal{id: "b", side: types.SideLong, confidence: 0.7}, Weight: 1},
		{Strategy: &fixedSignal{id: "c", side: types.SideShort, confidence: 0.8}, Weight: 1},
	}, 0.55, nil)

	chosen, evals := sel.Select(nil, snapshotWithADX(10), types.MarketContext{})
	require.Len(t, chosen, 2)
	ids := []string{chosen[0].StrategyID, chosen[1].StrategyID}
	assert.Contains(t, ids, "a")
	assert.Contains(t, ids, "c")

	for _, ev := range evals {
		if ev.Signal.StrategyID == "b" {
			assert.Equal(t, "outweighed", ev.Reason)
		}
	}
}

func TestSelectTieBreaksAlphabetically(t *testing.T) {
	sel := strategy.NewSelector(zap.NewNop(), []strategy.Weighted{
		{Strategy: &fixedSignal{id: "zeta", side: types.SideLong, confidence: 0.8}, Weight: 1},
		{Strategy: &fixedSignal{id: "alpha", side: types.SideLong, confidence: 0.8}, Weight: 1},
	}, 0.55, nil)

	for i := 0; i < 5; i++ {
		chosen, _ := sel.Select(nil, snapshotWithADX(10), types.MarketContext{})
		require.Len(t, chosen, 1)
		assert.Equal(t, "alpha", chosen[0].StrategyID)
	}
}

type doubler struct{}

func (doubler) Transform(sig types.Signal) (float64, float64) { return 2.0, 0 }

func TestSelectAdvisorClampsConfidence(t *testing.T) {
	sel := strategy.NewSelector(zap.NewNop(), []strategy.Weighted{
		{Strategy: &fixedSignal{id: "x", side: types.SideLong, confidence: 0.7}, Weight: 1},
	}, 0.55, doubler{})

	chosen, _ := sel.Select(nil, snapshotWithADX(10), types.MarketContext{})
	require.Len(t, chosen, 1)
	assert.Equal(t, 1.0, chosen[0].Confidence, "advisor output clamps to [0,1]")
}

func TestRegistryCreatesBuiltins(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())
	assert.Equal(t, []string{
		"ema_cross", "mean_reversion", "momentum_breakout",
		"rsi_reversal", "scalping", "sma_cross", "trend_follow",
	}, r.List())

	for _, id := range r.List() {
		s, err := r.Create(id, nil)
		require.NoError(t, err)
		assert.Equal(t, id, s.ID())
	}

	_, err := r.Create("nope", nil)
	require.Error(t, err)
}
