package exits_test

import (
	"context"
	"testing"
	"time"

	"github.com/cthulu-trading/cthulu/internal/exits"
	"github.com/cthulu-trading/cthulu/internal/position"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func mustBuiltin(t *testing.T, id string, priority float64, params exits.Params) exits.Strategy {
	t.Helper()
	s, err := exits.NewBuiltin(id, priority, params)
	require.NoError(t, err)
	return s
}

func longInput() exits.Input {
	return exits.Input{
		Position: types.Position{
			Ticket:       1,
			Symbol:       "EURUSD",
			Side:         types.SideLong,
			Lot:          0.10,
			EntryPrice:   1.1000,
			EntryTime:    time.Now().UTC().Add(-time.Hour),
			StopLoss:     1.0950,
			TakeProfit:   1.1100,
			CurrentPrice: 1.1010,
		},
		Account:  types.Account{Balance: 10000, Equity: 10000, FreeMargin: 9000},
		Phase:    types.PhaseMature,
		Tier:     types.DrawdownNormal,
		PipSize:  0.0001,
		TickSize: 0.00001,
	}
}

func TestBreakEvenFiresOnceThenSilent(t *testing.T) {
	s := mustBuiltin(t, "break_even", 50, nil)

	in := longInput()
	in.Position.CurrentPrice = 1.1051 // past 50% of the 100-pip target
	d := s.Evaluate(in)
	require.NotNil(t, d)
	assert.Equal(t, types.ExitModify, d.Action)
	assert.Equal(t, 1.1000, d.StopLoss, "stop moves to entry")

	// Broker confirmed: stop now at entry. No further action, ever.
	in.Position.StopLoss = 1.1000
	assert.Nil(t, s.Evaluate(in))
	in.Position.CurrentPrice = 1.1090
	assert.Nil(t, s.Evaluate(in))
}

func TestBreakEvenBelowTriggerIsSilent(t *testing.T) {
	s := mustBuiltin(t, "break_even", 50, nil)
	in := longInput()
	in.Position.CurrentPrice = 1.1030 // only 30% of target
	assert.Nil(t, s.Evaluate(in))
}

func TestTrailingStopNeverLoosens(t *testing.T) {
	s := mustBuiltin(t, "trailing_stop", 80, nil)
	in := longInput()
	in.Snapshot = types.IndicatorSnapshot{"atr": {Scalar: 0.0010}}
	in.PosCtx.MFE = 0.0020 // past 1 ATR activation

	d := s.Evaluate(in)
	require.NotNil(t, d)
	// Trail sits at entry + (MFE - 0.5 ATR).
	assert.InDelta(t, 1.1015, d.StopLoss, 1e-9)

	// With the stop already at or past that level, stay silent.
	in.Position.StopLoss = 1.1015
	assert.Nil(t, s.Evaluate(in))
	in.Position.StopLoss = 1.1020
	assert.Nil(t, s.Evaluate(in))
}

func TestStopLossBreach(t *testing.T) {
	s := mustBuiltin(t, "stop_loss", 90, nil)
	in := longInput()
	in.Position.CurrentPrice = 1.0949
	d := s.Evaluate(in)
	require.NotNil(t, d)
	assert.Equal(t, types.ExitCloseFull, d.Action)

	in.Position.CurrentPrice = 1.0951
	assert.Nil(t, s.Evaluate(in))
}

func TestTakeProfitBreachShort(t *testing.T) {
	s := mustBuiltin(t, "take_profit", 70, nil)
	in := longInput()
	in.Position.Side = types.SideShort
	in.Position.TakeProfit = 1.0900
	in.Position.CurrentPrice = 1.0899
	require.NotNil(t, s.Evaluate(in))
}

func TestSurvivalModeOnMarginCollapse(t *testing.T) {
	s := mustBuiltin(t, "survival_mode", 100, nil)
	in := longInput()
	in.Account.FreeMargin = 1000 // 10% of equity, below the 20% floor
	d := s.Evaluate(in)
	require.NotNil(t, d)
	assert.Equal(t, types.ExitCloseFull, d.Action)
}

func TestTimeBasedMaxHold(t *testing.T) {
	s := mustBuiltin(t, "time_based", 60, exits.Params{"max_hold_minutes": 60})
	in := longInput()
	in.PosCtx.HoldingTime = 45 * time.Minute
	assert.Nil(t, s.Evaluate(in))
	in.PosCtx.HoldingTime = 75 * time.Minute
	require.NotNil(t, s.Evaluate(in))
}

func newCoordinator(t *testing.T, lc *position.Lifecycle, ids ...string) *exits.Coordinator {
	t.Helper()
	priorities := map[string]float64{
		"survival_mode": 100, "stop_loss": 90, "session_close": 70,
		"take_profit": 70, "time_based": 60, "break_even": 50,
	}
	var strategies []exits.Strategy
	for _, id := range ids {
		strategies = append(strategies, mustBuiltin(t, id, priorities[id], nil))
	}
	return exits.NewCoordinator(zap.NewNop(), strategies, lc)
}

func TestCoordinatorPicksHighestPriority(t *testing.T) {
	c := newCoordinator(t, nil, "break_even", "stop_loss")
	in := longInput()
	in.Position.CurrentPrice = 1.0940 // SL breached; break-even silent at a loss

	d := c.Evaluate(in)
	require.NotNil(t, d)
	assert.Equal(t, "stop_loss", d.StrategyID)
}

func TestCoordinatorNearCloseBoostsSessionExit(t *testing.T) {
	c := newCoordinator(t, nil, "session_close", "stop_loss")
	in := longInput()
	in.Position.CurrentPrice = 1.0940 // SL breached
	in.Market.NearMarketClose = true  // session_close 70+20 ties stop_loss 90

	d := c.Evaluate(in)
	require.NotNil(t, d)
	assert.Equal(t, "session_close", d.StrategyID, "equal priority breaks alphabetically")
}

func TestCoordinatorClampsPriority(t *testing.T) {
	c := newCoordinator(t, nil, "stop_loss")
	in := longInput()
	in.Position.CurrentPrice = 1.0940
	in.PosCtx.UnrealizedPct = -0.03 // deep loss boost would push past 100

	d := c.Evaluate(in)
	require.NotNil(t, d)
	assert.Equal(t, 100.0, d.Priority)
}

func TestCoordinatorNoCandidates(t *testing.T) {
	c := newCoordinator(t, nil, "stop_loss", "take_profit")
	in := longInput() // neither level breached
	assert.Nil(t, c.Evaluate(in))
}

type modifyStub struct {
	modifyErr error
	closes    int
}

func (m *modifyStub) ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error {
	return m.modifyErr
}

func (m *modifyStub) ClosePosition(ctx context.Context, ticket int64, lot float64) (types.CloseResult, error) {
	m.closes++
	return types.CloseResult{PnL: 12.5, Price: 1.1050}, nil
}

func TestCoordinatorApplySwallowsStopsTooClose(t *testing.T) {
	tracker := position.NewTracker(zap.NewNop())
	in := longInput()
	in.Position.CurrentPrice = 1.10001
	require.NoError(t, tracker.Track(in.Position))

	lc := position.NewLifecycle(zap.NewNop(), &modifyStub{}, tracker)
	lc.SetSymbolInfo(types.SymbolInfo{
		Symbol: "EURUSD", Point: 0.00001, StopsLevel: 100,
	})
	c := newCoordinator(t, lc, "break_even")

	res, err := c.Apply(context.Background(), &types.ExitDecision{
		Ticket:     1,
		Action:     types.ExitModify,
		StopLoss:   1.1000, // within 100 points of price
		StrategyID: "break_even",
	})
	require.NoError(t, err, "stops-too-close is not an error")
	assert.Nil(t, res)
	assert.Equal(t, int64(1), c.Stats().StopsTooClose)
}

func TestCoordinatorApplyFullClose(t *testing.T) {
	tracker := position.NewTracker(zap.NewNop())
	in := longInput()
	require.NoError(t, tracker.Track(in.Position))

	stub := &modifyStub{}
	lc := position.NewLifecycle(zap.NewNop(), stub, tracker)
	c := newCoordinator(t, lc, "stop_loss")

	res, err := c.Apply(context.Background(), &types.ExitDecision{
		Ticket:     1,
		Action:     types.ExitCloseFull,
		StrategyID: "stop_loss",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 12.5, res.PnL)
	assert.Equal(t, 1, stub.closes)
	assert.Equal(t, int64(1), c.Stats().Decisions["stop_loss"])
}
