package position_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cthulu-trading/cthulu/internal/position"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ratesStub serves bars with a constant true range so the resulting ATR
// is exact.
type ratesStub struct {
	ratesErr    error
	trueRange   float64
	modifyCalls int
	lastSL      float64
	lastTP      float64
}

func (r *ratesStub) Rates(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.Series, error) {
	if r.ratesErr != nil {
		return types.Series{}, r.ratesErr
	}
	t0 := time.Now().UTC().Add(-time.Duration(count) * time.Hour)
	bars := make([]types.Bar, count)
	for i := range bars {
		bars[i] = types.Bar{
			Time:  t0.Add(time.Duration(i) * time.Hour),
			Open:  1.1000,
			High:  1.1000 + r.trueRange,
			Low:   1.1000,
			Close: 1.1000,
		}
	}
	return types.Series{Symbol: symbol, Timeframe: tf, Bars: bars}, nil
}

func (r *ratesStub) ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error {
	r.modifyCalls++
	r.lastSL = sl
	r.lastTP = tp
	return nil
}

func externalLong(ticket int64) types.Position {
	return types.Position{
		Ticket:     ticket,
		Symbol:     "EURUSD",
		Side:       types.SideLong,
		Lot:        0.10,
		EntryPrice: 1.1000,
		EntryTime:  time.Now().UTC().Add(-2 * time.Hour),
	}
}

func TestAdoptComputesATRStops(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	stub := &ratesStub{trueRange: 0.00097}
	a := position.NewAdopter(zap.NewNop(), stub, tr, position.DefaultAdoptionConfig())

	require.NoError(t, a.Adopt(context.Background(), externalLong(11), 0.00001))
	require.Equal(t, 1, stub.modifyCalls)

	// ATR is exactly 0.00097: SL at entry-2*ATR, TP at entry+4*ATR.
	assert.InDelta(t, 1.09806, stub.lastSL, 1e-9)
	assert.InDelta(t, 1.10388, stub.lastTP, 1e-9)

	got, ok := tr.Get(11)
	require.True(t, ok)
	assert.Equal(t, types.OpenedByAdopted, got.OpenedBy)
	assert.InDelta(t, 1.09806, got.StopLoss, 1e-9)
}

func TestAdoptShortMirrorsStops(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	stub := &ratesStub{trueRange: 0.00097}
	a := position.NewAdopter(zap.NewNop(), stub, tr, position.DefaultAdoptionConfig())

	pos := externalLong(12)
	pos.Side = types.SideShort
	require.NoError(t, a.Adopt(context.Background(), pos, 0.00001))
	assert.InDelta(t, 1.10194, stub.lastSL, 1e-9)
	assert.InDelta(t, 1.09612, stub.lastTP, 1e-9)
}

func TestAdoptExistingStopsIsIdempotent(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	stub := &ratesStub{trueRange: 0.00097}
	a := position.NewAdopter(zap.NewNop(), stub, tr, position.DefaultAdoptionConfig())

	pos := externalLong(13)
	pos.StopLoss = 1.0950
	pos.TakeProfit = 1.1100
	require.NoError(t, a.Adopt(context.Background(), pos, 0.00001))
	require.NoError(t, a.Adopt(context.Background(), pos, 0.00001))

	assert.Zero(t, stub.modifyCalls, "already-stopped positions are claimed without a modify")
	got, ok := tr.Get(13)
	require.True(t, ok)
	assert.Equal(t, 1.0950, got.StopLoss)
}

func TestAdoptRefusesStalePositions(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	stub := &ratesStub{trueRange: 0.00097}
	a := position.NewAdopter(zap.NewNop(), stub, tr, position.DefaultAdoptionConfig())

	pos := externalLong(14)
	pos.EntryTime = time.Now().UTC().Add(-100 * time.Hour)
	require.NoError(t, a.Adopt(context.Background(), pos, 0.00001))
	assert.Zero(t, stub.modifyCalls)
	assert.Equal(t, 0, tr.Count())
}

func TestAdoptFallsBackToFixedPoints(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	stub := &ratesStub{ratesErr: errors.New("bridge down")}
	a := position.NewAdopter(zap.NewNop(), stub, tr, position.DefaultAdoptionConfig())

	require.NoError(t, a.Adopt(context.Background(), externalLong(15), 0.00001))
	require.Equal(t, 1, stub.modifyCalls)

	// 500 points at 0.00001 = 0.005 SL distance, TP at twice that.
	assert.InDelta(t, 1.0950, stub.lastSL, 1e-9)
	assert.InDelta(t, 1.1100, stub.lastTP, 1e-9)
}
