package position_test

import (
	"context"
	"testing"
	"time"

	"github.com/cthulu-trading/cthulu/internal/broker"
	"github.com/cthulu-trading/cthulu/internal/position"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const engineMagic = int64(271828)

func enginePosition(ticket int64) types.Position {
	return types.Position{
		Ticket:     ticket,
		Symbol:     "EURUSD",
		Side:       types.SideLong,
		Lot:        0.10,
		EntryPrice: 1.1000,
		EntryTime:  time.Now().UTC().Add(-time.Hour),
		StopLoss:   1.0950,
		TakeProfit: 1.1100,
		Magic:      engineMagic,
	}
}

func TestReconcileEvictsClosed(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	require.NoError(t, tr.Track(enginePosition(1)))

	res, err := tr.Reconcile(nil, engineMagic)
	require.NoError(t, err)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, int64(1), res.Closed[0].Ticket)
	assert.Equal(t, 0, tr.Count())
}

func TestReconcileReRegistersEngineMagic(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	bp := enginePosition(7)
	bp.CurrentPrice = 1.1010

	res, err := tr.Reconcile([]types.Position{bp}, engineMagic)
	require.NoError(t, err)
	assert.Empty(t, res.Unknown)
	got, ok := tr.Get(7)
	require.True(t, ok)
	assert.Equal(t, types.OpenedByEngine, got.OpenedBy)
}

func TestReconcileReturnsForeignAsUnknown(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	bp := enginePosition(9)
	bp.Magic = 0 // manual trade

	res, err := tr.Reconcile([]types.Position{bp}, engineMagic)
	require.NoError(t, err)
	require.Len(t, res.Unknown, 1)
	assert.Equal(t, int64(9), res.Unknown[0].Ticket)
	assert.Equal(t, 0, tr.Count())
}

func TestReconcileDuplicateTicketFails(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	bp := enginePosition(3)
	_, err := tr.Reconcile([]types.Position{bp, bp}, engineMagic)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate ticket")
}

func TestExcursionPeaksAreMonotone(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	p := enginePosition(5)
	p.CurrentPrice = 1.1000
	require.NoError(t, tr.Track(p))

	update := func(price float64) types.Position {
		bp := p
		bp.CurrentPrice = price
		_, err := tr.Reconcile([]types.Position{bp}, engineMagic)
		require.NoError(t, err)
		got, ok := tr.Get(5)
		require.True(t, ok)
		return got
	}

	got := update(1.1050)
	assert.Equal(t, 1.1050, got.PeakFavorable)

	// Retracement must not lower the favorable peak.
	got = update(1.1020)
	assert.Equal(t, 1.1050, got.PeakFavorable)

	got = update(1.0980)
	assert.Equal(t, 1.1050, got.PeakFavorable)
	assert.Equal(t, 1.0980, got.PeakAdverse)
}

func TestTrackRejectsDuplicate(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	require.NoError(t, tr.Track(enginePosition(2)))
	require.Error(t, tr.Track(enginePosition(2)))
}

func TestContextExcursionsInPriceUnits(t *testing.T) {
	p := enginePosition(1)
	p.CurrentPrice = 1.1020
	p.UnrealizedPnL = 20
	p.PeakFavorable = 1.1060
	p.PeakAdverse = 1.0970

	ctx := position.Context(p, time.Now().UTC(), 1000)
	assert.InDelta(t, 0.0060, ctx.MFE, 1e-9)
	assert.InDelta(t, 0.0030, ctx.MAE, 1e-9)
	assert.InDelta(t, 0.02, ctx.UnrealizedPct, 1e-9)
	assert.True(t, ctx.IsProfitable)
}

func TestSnapLot(t *testing.T) {
	assert.Equal(t, 0.07, position.SnapLot(0.07, 0.01))
	assert.Equal(t, 0.01, position.SnapLot(0.019, 0.01))
	assert.Equal(t, 0.0, position.SnapLot(0.004, 0.01))
	assert.Equal(t, 0.25, position.SnapLot(0.25, 0))
}

type stubBroker struct {
	modifyCalls int
	closeCalls  int
	lastLot     float64
	closeResult types.CloseResult
}

func (b *stubBroker) ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error {
	b.modifyCalls++
	return nil
}

func (b *stubBroker) ClosePosition(ctx context.Context, ticket int64, lot float64) (types.CloseResult, error) {
	b.closeCalls++
	b.lastLot = lot
	return b.closeResult, nil
}

func eurusdInfo() types.SymbolInfo {
	return types.SymbolInfo{
		Symbol:     "EURUSD",
		Point:      0.00001,
		TickSize:   0.00001,
		LotStep:    0.01,
		MinLot:     0.01,
		StopsLevel: 100, // 100 points = 0.001
	}
}

func TestSetStopsRejectsTooClose(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	b := &stubBroker{}
	lc := position.NewLifecycle(zap.NewNop(), b, tr)
	lc.SetSymbolInfo(eurusdInfo())

	p := enginePosition(4)
	p.CurrentPrice = 1.1000
	require.NoError(t, tr.Track(p))

	err := lc.SetStops(context.Background(), 4, 1.09995, 0)
	require.ErrorIs(t, err, broker.ErrStopsTooClose)
	assert.Zero(t, b.modifyCalls, "no broker call on local validation failure")
}

func TestSetStopsAppliesAndRecords(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	b := &stubBroker{}
	lc := position.NewLifecycle(zap.NewNop(), b, tr)
	lc.SetSymbolInfo(eurusdInfo())

	p := enginePosition(4)
	p.CurrentPrice = 1.1000
	require.NoError(t, tr.Track(p))

	require.NoError(t, lc.SetStops(context.Background(), 4, 1.0900, 1.1200))
	assert.Equal(t, 1, b.modifyCalls)
	got, _ := tr.Get(4)
	assert.Equal(t, 1.0900, got.StopLoss)
	assert.Equal(t, 1.1200, got.TakeProfit)
}

func TestPartialCloseSnapsLot(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	b := &stubBroker{closeResult: types.CloseResult{PnL: 3.5, Price: 1.1010}}
	lc := position.NewLifecycle(zap.NewNop(), b, tr)
	lc.SetSymbolInfo(eurusdInfo())

	p := enginePosition(6)
	p.Lot = 0.15
	require.NoError(t, tr.Track(p))

	res, err := lc.PartialClose(context.Background(), 6, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.07, b.lastLot, "0.075 snaps down to the lot step")
	assert.Equal(t, 3.5, res.PnL)
}

func TestPartialCloseRejectsBadFraction(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	lc := position.NewLifecycle(zap.NewNop(), &stubBroker{}, tr)
	require.NoError(t, tr.Track(enginePosition(8)))

	_, err := lc.PartialClose(context.Background(), 8, 1.0)
	require.Error(t, err)
	_, err = lc.PartialClose(context.Background(), 8, 0)
	require.Error(t, err)
}

func TestFullCloseUnknownTicket(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	lc := position.NewLifecycle(zap.NewNop(), &stubBroker{}, tr)
	_, err := lc.FullClose(context.Background(), 404)
	require.Error(t, err)
}

func TestFullCloseEvictsFromTracker(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	b := &stubBroker{closeResult: types.CloseResult{PnL: 12.5, Price: 1.1050}}
	lc := position.NewLifecycle(zap.NewNop(), b, tr)
	require.NoError(t, tr.Track(enginePosition(9)))

	res, err := lc.FullClose(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 12.5, res.PnL)
	assert.Zero(t, tr.Count())

	// The broker no longer reports the ticket either; reconciliation
	// must not surface the same close a second time.
	rec, err := tr.Reconcile(nil, engineMagic)
	require.NoError(t, err)
	assert.Empty(t, rec.Closed)
}

func TestEvictUnknownTicket(t *testing.T) {
	tr := position.NewTracker(zap.NewNop())
	_, ok := tr.Evict(7)
	assert.False(t, ok)
}
