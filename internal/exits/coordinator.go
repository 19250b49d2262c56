package exits

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cthulu-trading/cthulu/internal/broker"
	"github.com/cthulu-trading/cthulu/internal/position"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"go.uber.org/zap"
)

// Stats tracks coordinator activity for the metrics snapshot.
type Stats struct {
	Evaluations   int64            `json:"evaluations"`
	Decisions     map[string]int64 `json:"decisions"`
	Rejections    int64            `json:"rejections"`
	StopsTooClose int64            `json:"stops_too_close"`
}

// Coordinator runs every registered exit strategy against each open
// position and applies at most one decision per position per cycle,
// chosen by dynamically adjusted priority.
type Coordinator struct {
	logger     *zap.Logger
	strategies []Strategy
	lifecycle  *position.Lifecycle

	mu    sync.Mutex
	stats Stats
}

// NewCoordinator creates the coordinator over an ordered strategy set.
func NewCoordinator(logger *zap.Logger, strategies []Strategy, lifecycle *position.Lifecycle) *Coordinator {
	return &Coordinator{
		logger:     logger.Named("exits"),
		strategies: strategies,
		lifecycle:  lifecycle,
		stats:      Stats{Decisions: make(map[string]int64)},
	}
}

// adjust applies the dynamic priority adjustments for the current
// contexts. Adjustments are independent and sum.
func adjust(id string, base float64, in Input) float64 {
	p := base
	if in.Market.VolatilityLevel > 2 {
		if id == "stop_loss" || id == "adverse_movement" {
			p += 10
		}
	}
	if in.Market.SpreadPips > 3 {
		p -= 5 // prefer holding over exiting into a bad fill
	}
	if in.Market.NearNewsEvent {
		p += 15
	}
	if in.Market.NearMarketClose {
		if id == "time_based" || id == "session_close" {
			p += 20
		}
	}
	if target := targetDistance(in.Position); target > 0 && in.PosCtx.MFE >= 0.8*target {
		if id == "profit_target" || id == "take_profit" {
			p += 15
		}
	}
	if in.PosCtx.HoldingTime >= 240*time.Minute && id == "time_based" {
		p += 10
	}
	if in.PosCtx.UnrealizedPct <= -0.02 && id == "stop_loss" {
		p += 20
	}
	return p
}

// Evaluate returns the single highest-priority decision for the
// position, or nil. Equal adjusted priorities break alphabetically by
// strategy id for determinism.
func (c *Coordinator) Evaluate(in Input) *types.ExitDecision {
	type scored struct {
		decision *types.ExitDecision
		priority float64
	}
	var candidates []scored
	for _, s := range c.strategies {
		c.mu.Lock()
		c.stats.Evaluations++
		c.mu.Unlock()
		d := s.Evaluate(in)
		if d == nil {
			continue
		}
		candidates = append(candidates, scored{
			decision: d,
			priority: adjust(s.ID(), s.BasePriority(), in),
		})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].decision.StrategyID < candidates[j].decision.StrategyID
	})
	winner := candidates[0]
	winner.decision.Priority = math.Max(0, math.Min(100, winner.priority))
	return winner.decision
}

// Apply executes a decision through the lifecycle. A stops-too-close
// rejection is recorded and swallowed; the coordinator moves on.
func (c *Coordinator) Apply(ctx context.Context, d *types.ExitDecision) (*types.CloseResult, error) {
	var res *types.CloseResult
	var err error
	switch d.Action {
	case types.ExitCloseFull:
		var r types.CloseResult
		r, err = c.lifecycle.FullClose(ctx, d.Ticket)
		if err == nil {
			res = &r
		}
	case types.ExitClosePartial:
		var r types.CloseResult
		r, err = c.lifecycle.PartialClose(ctx, d.Ticket, d.Fraction)
		if err == nil {
			res = &r
		}
	case types.ExitModify:
		err = c.lifecycle.SetStops(ctx, d.Ticket, d.StopLoss, d.TakeProfit)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if errors.Is(err, broker.ErrStopsTooClose) {
			c.stats.StopsTooClose++
			c.logger.Warn("exit modify rejected, stops too close",
				zap.Int64("ticket", d.Ticket),
				zap.String("strategy", d.StrategyID),
			)
			return nil, nil
		}
		c.stats.Rejections++
		return nil, err
	}
	c.stats.Decisions[d.StrategyID]++
	c.logger.Info("exit applied",
		zap.Int64("ticket", d.Ticket),
		zap.String("strategy", d.StrategyID),
		zap.String("action", string(d.Action)),
		zap.Float64("priority", d.Priority),
		zap.String("reason", d.Reason),
	)
	return res, nil
}

// Stats returns a copy of the coordinator statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Stats{
		Evaluations:   c.stats.Evaluations,
		Rejections:    c.stats.Rejections,
		StopsTooClose: c.stats.StopsTooClose,
		Decisions:     make(map[string]int64, len(c.stats.Decisions)),
	}
	for k, v := range c.stats.Decisions {
		out.Decisions[k] = v
	}
	return out
}
