package risk_test

import (
	"testing"
	"time"

	"github.com/cthulu-trading/cthulu/internal/config"
	"github.com/cthulu-trading/cthulu/internal/risk"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEvaluator(t *testing.T) (*risk.Evaluator, *risk.State) {
	t.Helper()
	state := risk.NewState()
	return risk.NewEvaluator(zap.NewNop(), config.Default().Risk, state), state
}

func approvalInput() risk.Input {
	return risk.Input{
		Signal: types.Signal{
			Symbol:     "EURUSD",
			Side:       types.SideLong,
			Confidence: 0.8,
			StrategyID: "trend_follow",
		},
		Account: types.Account{
			Balance:      10000,
			Equity:       10000,
			FreeMargin:   9000,
			TradeAllowed: true,
		},
		Market: types.MarketContext{SpreadPips: 1.0},
		Symbol: types.SymbolInfo{
			Point:        0.00001,
			TickSize:     0.00001,
			TickValue:    1.0, // per point per lot
			LotStep:      0.01,
			MinLot:       0.01,
			MaxLot:       100,
			ContractSize: 100000,
			MarginRate:   0.01,
		},
		Price:      1.1000,
		ATR:        0.0010,
		LastVolume: 50,
	}
}

func TestApproveHappyPath(t *testing.T) {
	e, state := newEvaluator(t)
	state.Observe(10000, time.Now().UTC())

	out := e.Approve(approvalInput())
	require.True(t, out.Approved, "reason: %s", out.Reason)
	assert.Greater(t, out.Lot, 0.0)
	// ATR synthesis: SL 2 ATR below, TP 4 ATR above.
	assert.InDelta(t, 1.0980, out.StopLoss, 1e-9)
	assert.InDelta(t, 1.1040, out.TakeProfit, 1e-9)
}

func TestApproveTradingDisabled(t *testing.T) {
	e, _ := newEvaluator(t)
	in := approvalInput()
	in.Account.TradeAllowed = false
	out := e.Approve(in)
	assert.False(t, out.Approved)
	assert.Equal(t, risk.ReasonTradingDisabled, out.Reason)
}

func TestApproveDailyLossCap(t *testing.T) {
	e, state := newEvaluator(t)
	state.Observe(10000, time.Now().UTC())
	state.RecordRealized(-600) // default cap is 500

	out := e.Approve(approvalInput())
	assert.False(t, out.Approved)
	assert.Equal(t, risk.ReasonDailyLossCap, out.Reason)
}

func TestApprovePositionCaps(t *testing.T) {
	e, _ := newEvaluator(t)

	in := approvalInput()
	in.OpenTotal = config.Default().Risk.MaxTotalPositions
	out := e.Approve(in)
	assert.Equal(t, risk.ReasonMaxTotalPositions, out.Reason)

	in = approvalInput()
	in.OpenForSymbol = config.Default().Risk.MaxPositionsPerSymbol
	out = e.Approve(in)
	assert.Equal(t, risk.ReasonMaxSymbolPositions, out.Reason)
}

func TestApproveLiquidityTrapVetoes(t *testing.T) {
	e, _ := newEvaluator(t)

	in := approvalInput()
	in.Market.SpreadPips = 5.0
	assert.Equal(t, risk.ReasonLiquiditySpread, e.Approve(in).Reason)

	in = approvalInput()
	in.LastVolume = 0
	assert.Equal(t, risk.ReasonLiquidityVolume, e.Approve(in).Reason)

	in = approvalInput()
	in.GapPips = 50
	assert.Equal(t, risk.ReasonLiquidityGap, e.Approve(in).Reason)
}

func TestApproveDrawdownHalt(t *testing.T) {
	e, state := newEvaluator(t)
	now := time.Now().UTC()
	state.Observe(10000, now)
	state.Observe(7500, now) // 25% drawdown, beyond the last level

	out := e.Approve(approvalInput())
	assert.False(t, out.Approved)
	// 25% also exceeds the 20% emergency stop, which gates first.
	assert.Equal(t, risk.ReasonEmergencyStop, out.Reason)
}

func TestApproveDrawdownScalesLot(t *testing.T) {
	e, state := newEvaluator(t)
	now := time.Now().UTC()
	state.Observe(10000, now)
	full := e.Approve(approvalInput())
	require.True(t, full.Approved)

	// 12% drawdown lands in the 0.5 multiplier tier.
	state.Observe(8800, now)
	scaled := e.Approve(approvalInput())
	require.True(t, scaled.Approved, "reason: %s", scaled.Reason)
	assert.Less(t, scaled.Lot, full.Lot)
}

func TestApproveLotBelowMinimum(t *testing.T) {
	e, _ := newEvaluator(t)
	in := approvalInput()
	in.Account.Balance = 10 // micro balance cannot fund the minimum lot
	in.Account.Equity = 10
	in.Account.FreeMargin = 10
	in.Symbol.TickValue = 10
	out := e.Approve(in)
	assert.False(t, out.Approved)
	assert.Equal(t, risk.ReasonLotBelowMinimum, out.Reason)
}

func TestApproveInsufficientMargin(t *testing.T) {
	e, _ := newEvaluator(t)
	in := approvalInput()
	in.Account.FreeMargin = 1
	out := e.Approve(in)
	assert.False(t, out.Approved)
	assert.Equal(t, risk.ReasonInsufficientMargin, out.Reason)
}

func TestApproveHonorsSuggestedStops(t *testing.T) {
	e, _ := newEvaluator(t)
	in := approvalInput()
	in.Signal.SuggestedSL = 1.0970
	in.Signal.SuggestedTP = 1.1060
	out := e.Approve(in)
	require.True(t, out.Approved, "reason: %s", out.Reason)
	assert.Equal(t, 1.0970, out.StopLoss)
	assert.Equal(t, 1.1060, out.TakeProfit)
}

func TestPhaseForBalanceTiers(t *testing.T) {
	e, _ := newEvaluator(t)
	assert.Equal(t, types.PhaseMicro, e.PhaseFor(20, 0))
	assert.Equal(t, types.PhaseSeed, e.PhaseFor(80, 0))
	assert.Equal(t, types.PhaseGrowth, e.PhaseFor(400, 0))
	assert.Equal(t, types.PhaseEstablished, e.PhaseFor(1500, 0))
	assert.Equal(t, types.PhaseMature, e.PhaseFor(50000, 0))
}

func TestPhaseForRecoveryOverride(t *testing.T) {
	e, _ := newEvaluator(t)
	assert.Equal(t, types.PhaseRecovery, e.PhaseFor(50000, 0.12))
}

func TestTierForBuckets(t *testing.T) {
	e, _ := newEvaluator(t)
	tier, mult := e.TierFor(0.02)
	assert.Equal(t, types.DrawdownNormal, tier)
	assert.Equal(t, 1.0, mult)

	tier, mult = e.TierFor(0.12)
	assert.Equal(t, types.DrawdownSevere, tier)
	assert.Equal(t, 0.5, mult)

	tier, mult = e.TierFor(0.30)
	assert.Equal(t, types.DrawdownEmergency, tier)
	assert.Equal(t, 0.0, mult)
}

func TestStateUTCDayReset(t *testing.T) {
	state := risk.NewState()
	day1 := time.Date(2026, 8, 21, 23, 50, 0, 0, time.UTC)
	state.Observe(10000, day1)
	state.RecordOpen()
	state.RecordRealized(-120)

	snap := state.Snapshot()
	assert.Equal(t, 1, snap.DailyTradeCount)
	assert.Equal(t, -120.0, snap.DailyRealizedPnL)

	day2 := time.Date(2026, 8, 22, 0, 5, 0, 0, time.UTC)
	state.Observe(9900, day2)
	snap = state.Snapshot()
	assert.Equal(t, 0, snap.DailyTradeCount)
	assert.Equal(t, 0.0, snap.DailyRealizedPnL)
	assert.Equal(t, 10000.0, snap.PeakEquity, "peak equity survives the day reset")
}

func TestStateRestoreDropsStaleDay(t *testing.T) {
	state := risk.NewState()
	state.Restore(risk.StateSnapshot{
		DailyRealizedPnL: -200,
		DailyTradeCount:  4,
		PeakEquity:       12000,
		LastResetDate:    "2026-08-20",
	}, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))

	snap := state.Snapshot()
	assert.Equal(t, 0, snap.DailyTradeCount)
	assert.Equal(t, 0.0, snap.DailyRealizedPnL)
	assert.Equal(t, 12000.0, snap.PeakEquity)
}
