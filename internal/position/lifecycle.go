package position

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cthulu-trading/cthulu/internal/broker"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Broker is the subset of the bridge client the lifecycle needs.
type Broker interface {
	ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error
	ClosePosition(ctx context.Context, ticket int64, lot float64) (types.CloseResult, error)
}

// Lifecycle applies SL/TP modifications, partial closes, and full
// closes to the broker on behalf of the exit coordinator.
type Lifecycle struct {
	logger  *zap.Logger
	broker  Broker
	tracker *Tracker

	mu     sync.RWMutex
	symbol map[string]types.SymbolInfo
}

// NewLifecycle creates the lifecycle manager.
func NewLifecycle(logger *zap.Logger, b Broker, tracker *Tracker) *Lifecycle {
	return &Lifecycle{
		logger:  logger.Named("lifecycle"),
		broker:  b,
		tracker: tracker,
		symbol:  make(map[string]types.SymbolInfo),
	}
}

// SetSymbolInfo refreshes broker symbol metadata for stops validation.
func (l *Lifecycle) SetSymbolInfo(info types.SymbolInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.symbol[info.Symbol] = info
}

func (l *Lifecycle) symbolInfo(symbol string) (types.SymbolInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.symbol[symbol]
	return info, ok
}

// SetStops validates the requested stops against the broker stops
// level and applies them. Violations return ErrStopsTooClose without a
// broker call; the caller decides whether to widen or skip.
func (l *Lifecycle) SetStops(ctx context.Context, ticket int64, sl, tp float64) error {
	pos, ok := l.tracker.Get(ticket)
	if !ok {
		return fmt.Errorf("lifecycle: unknown ticket %d", ticket)
	}
	if info, ok := l.symbolInfo(pos.Symbol); ok && info.StopsLevel > 0 && info.Point > 0 {
		minDist := info.StopsLevel * info.Point
		if sl != 0 && math.Abs(pos.CurrentPrice-sl) < minDist {
			return fmt.Errorf("sl %.5f within %0.f points of price %.5f: %w",
				sl, info.StopsLevel, pos.CurrentPrice, broker.ErrStopsTooClose)
		}
		if tp != 0 && math.Abs(pos.CurrentPrice-tp) < minDist {
			return fmt.Errorf("tp %.5f within %0.f points of price %.5f: %w",
				tp, info.StopsLevel, pos.CurrentPrice, broker.ErrStopsTooClose)
		}
	}
	if err := l.broker.ModifyPosition(ctx, ticket, sl, tp); err != nil {
		return err
	}
	l.tracker.SetStops(ticket, sl, tp)
	l.logger.Info("stops updated",
		zap.Int64("ticket", ticket),
		zap.Float64("sl", sl),
		zap.Float64("tp", tp),
	)
	return nil
}

// PartialClose closes fraction of the position's lot, snapped down to
// the symbol lot step.
func (l *Lifecycle) PartialClose(ctx context.Context, ticket int64, fraction float64) (types.CloseResult, error) {
	if fraction <= 0 || fraction >= 1 {
		return types.CloseResult{}, fmt.Errorf("lifecycle: partial close fraction %v out of (0,1)", fraction)
	}
	pos, ok := l.tracker.Get(ticket)
	if !ok {
		return types.CloseResult{}, fmt.Errorf("lifecycle: unknown ticket %d", ticket)
	}

	lot := pos.Lot * fraction
	if info, ok := l.symbolInfo(pos.Symbol); ok && info.LotStep > 0 {
		lot = SnapLot(lot, info.LotStep)
		if info.MinLot > 0 && lot < info.MinLot {
			return types.CloseResult{}, fmt.Errorf("lifecycle: partial lot %v below broker minimum %v", lot, info.MinLot)
		}
	}
	res, err := l.broker.ClosePosition(ctx, ticket, lot)
	if err != nil {
		return types.CloseResult{}, err
	}
	l.logger.Info("partial close",
		zap.Int64("ticket", ticket),
		zap.Float64("lot", lot),
		zap.Float64("pnl", res.PnL),
	)
	return res, nil
}

// FullClose closes the whole position and evicts the ticket once the
// broker confirms, so the next reconciliation does not report the same
// close again.
func (l *Lifecycle) FullClose(ctx context.Context, ticket int64) (types.CloseResult, error) {
	if _, ok := l.tracker.Get(ticket); !ok {
		return types.CloseResult{}, fmt.Errorf("lifecycle: unknown ticket %d", ticket)
	}
	res, err := l.broker.ClosePosition(ctx, ticket, 0)
	if err != nil {
		return types.CloseResult{}, err
	}
	l.tracker.Evict(ticket)
	l.logger.Info("position closed",
		zap.Int64("ticket", ticket),
		zap.Float64("pnl", res.PnL),
		zap.Float64("price", res.Price),
	)
	return res, nil
}

// SnapLot rounds a lot down to the broker lot step using exact decimal
// arithmetic so 0.07/0.01 does not land on 0.06999….
func SnapLot(lot, step float64) float64 {
	if step <= 0 {
		return lot
	}
	d := decimal.NewFromFloat(lot)
	s := decimal.NewFromFloat(step)
	snapped := d.Div(s).Floor().Mul(s)
	f, _ := snapped.Float64()
	return f
}
