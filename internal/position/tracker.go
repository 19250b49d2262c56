// Package position tracks open positions and manages their lifecycle.
package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/cthulu-trading/cthulu/pkg/types"
	"go.uber.org/zap"
)

// Tracker is the authoritative in-memory map of open positions keyed
// by broker ticket. It is reconciled against broker truth each cycle.
type Tracker struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	positions map[int64]*types.Position
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:    logger.Named("tracker"),
		positions: make(map[int64]*types.Position),
	}
}

// ReconcileResult is the outcome of one reconciliation pass.
type ReconcileResult struct {
	// Unknown are broker positions without engine management, handed
	// to adoption.
	Unknown []types.Position
	// Closed are local positions the broker no longer reports; their
	// last snapshot carries the final pnl.
	Closed []types.Position
}

// Reconcile updates tracked positions from broker truth. Positions
// carrying the engine magic that are unknown locally (e.g. after a
// restart) are re-registered as engine-owned; foreign positions are
// returned for adoption; locally tracked positions missing at the
// broker are evicted and returned as closed.
func (t *Tracker) Reconcile(brokerPositions []types.Position, magic int64) (ReconcileResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[int64]bool, len(brokerPositions))
	var res ReconcileResult
	for _, bp := range brokerPositions {
		if seen[bp.Ticket] {
			return ReconcileResult{}, fmt.Errorf("tracker: duplicate ticket %d in broker snapshot", bp.Ticket)
		}
		seen[bp.Ticket] = true

		local, known := t.positions[bp.Ticket]
		if !known {
			if bp.Magic == magic {
				p := bp
				p.OpenedBy = types.OpenedByEngine
				initExcursions(&p)
				t.positions[p.Ticket] = &p
				t.logger.Info("re-registered engine position after restart",
					zap.Int64("ticket", p.Ticket))
			} else {
				res.Unknown = append(res.Unknown, bp)
			}
			continue
		}
		updateFromBroker(local, bp)
	}

	for ticket, local := range t.positions {
		if !seen[ticket] {
			res.Closed = append(res.Closed, *local)
			delete(t.positions, ticket)
			t.logger.Info("position closed at broker",
				zap.Int64("ticket", ticket),
				zap.Float64("pnl", local.UnrealizedPnL),
			)
		}
	}
	return res, nil
}

// updateFromBroker refreshes broker-owned fields and keeps the
// excursion peaks monotonic on their respective sides.
func updateFromBroker(local *types.Position, bp types.Position) {
	local.CurrentPrice = bp.CurrentPrice
	local.UnrealizedPnL = bp.UnrealizedPnL
	local.StopLoss = bp.StopLoss
	local.TakeProfit = bp.TakeProfit
	local.Lot = bp.Lot // partial closes shrink the lot

	if local.PeakFavorable == 0 && local.PeakAdverse == 0 {
		initExcursions(local)
	}
	if local.Side == types.SideLong {
		if bp.CurrentPrice > local.PeakFavorable {
			local.PeakFavorable = bp.CurrentPrice
		}
		if bp.CurrentPrice < local.PeakAdverse {
			local.PeakAdverse = bp.CurrentPrice
		}
	} else {
		if bp.CurrentPrice < local.PeakFavorable {
			local.PeakFavorable = bp.CurrentPrice
		}
		if bp.CurrentPrice > local.PeakAdverse {
			local.PeakAdverse = bp.CurrentPrice
		}
	}
}

func initExcursions(p *types.Position) {
	base := p.CurrentPrice
	if base == 0 {
		base = p.EntryPrice
	}
	p.PeakFavorable = base
	p.PeakAdverse = base
}

// Track registers a newly opened engine position.
func (t *Tracker) Track(p types.Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.positions[p.Ticket]; exists {
		return fmt.Errorf("tracker: ticket %d already tracked", p.Ticket)
	}
	if p.OpenedBy == "" {
		p.OpenedBy = types.OpenedByEngine
	}
	initExcursions(&p)
	t.positions[p.Ticket] = &p
	return nil
}

// Adopt registers an external position under engine management with
// the synthesized stops.
func (t *Tracker) Adopt(p types.Position, sl, tp float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.OpenedBy = types.OpenedByAdopted
	p.StopLoss = sl
	p.TakeProfit = tp
	initExcursions(&p)
	t.positions[p.Ticket] = &p
}

// Evict removes a position whose close the broker has confirmed,
// returning its last snapshot. Keeping the ticket around would make
// the next reconciliation report the close a second time.
func (t *Tracker) Evict(ticket int64) (types.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[ticket]
	if !ok {
		return types.Position{}, false
	}
	delete(t.positions, ticket)
	return *p, true
}

// SetStops records a stop modification acknowledged by the broker.
func (t *Tracker) SetStops(ticket int64, sl, tp float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[ticket]; ok {
		if sl != 0 {
			p.StopLoss = sl
		}
		if tp != 0 {
			p.TakeProfit = tp
		}
	}
}

// Get returns a copy of a tracked position.
func (t *Tracker) Get(ticket int64) (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[ticket]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// All returns copies of every tracked position.
func (t *Tracker) All() []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	return out
}

// Count returns the number of tracked positions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// CountBySymbol returns open positions for one symbol.
func (t *Tracker) CountBySymbol(symbol string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.positions {
		if p.Symbol == symbol {
			n++
		}
	}
	return n
}

// Context derives the per-position context used by exit evaluation.
func Context(p types.Position, now time.Time, balance float64) types.PositionContext {
	pct := 0.0
	if balance > 0 {
		pct = p.UnrealizedPnL / balance
	}
	var mfe, mae float64
	if p.Side == types.SideLong {
		mfe = p.PeakFavorable - p.EntryPrice
		mae = p.EntryPrice - p.PeakAdverse
	} else {
		mfe = p.EntryPrice - p.PeakFavorable
		mae = p.PeakAdverse - p.EntryPrice
	}
	return types.PositionContext{
		UnrealizedPnL: p.UnrealizedPnL,
		UnrealizedPct: pct,
		HoldingTime:   now.Sub(p.EntryTime),
		MFE:           mfe,
		MAE:           mae,
		IsProfitable:  p.UnrealizedPnL > 0,
	}
}
