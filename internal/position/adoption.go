package position

import (
	"context"
	"math"
	"time"

	"github.com/cthulu-trading/cthulu/internal/indicators"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"go.uber.org/zap"
)

// RatesProvider is the subset of the bridge client adoption needs.
type RatesProvider interface {
	Rates(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.Series, error)
	ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error
}

// AdoptionConfig controls how external positions are claimed.
type AdoptionConfig struct {
	UseATRBasedSLTP    bool
	EmergencySLATRMult float64
	EmergencyTPATRMult float64
	EmergencySLPoints  float64
	MaxAdoptAge        time.Duration
	Timeframe          types.Timeframe
	ATRPeriod          int
	LookbackBars       int
}

// DefaultAdoptionConfig returns the standard adoption policy: H1 ATR(14)
// over the last 100 bars, emergency stops at 2/4 ATR.
func DefaultAdoptionConfig() AdoptionConfig {
	return AdoptionConfig{
		UseATRBasedSLTP:    true,
		EmergencySLATRMult: 2.0,
		EmergencyTPATRMult: 4.0,
		EmergencySLPoints:  500,
		MaxAdoptAge:        72 * time.Hour,
		Timeframe:          types.TimeframeH1,
		ATRPeriod:          14,
		LookbackBars:       100,
	}
}

// Adopter claims externally opened positions under engine management by
// synthesizing emergency SL/TP.
type Adopter struct {
	logger  *zap.Logger
	broker  RatesProvider
	tracker *Tracker
	config  AdoptionConfig
}

// NewAdopter creates the adopter.
func NewAdopter(logger *zap.Logger, b RatesProvider, tracker *Tracker, config AdoptionConfig) *Adopter {
	return &Adopter{
		logger:  logger.Named("adoption"),
		broker:  b,
		tracker: tracker,
		config:  config,
	}
}

// Adopt brings one unknown broker position under management. Positions
// older than the adoption age cutoff are refused. Already-stopped
// positions are claimed without a modify call, which keeps adoption
// idempotent across cycles.
func (a *Adopter) Adopt(ctx context.Context, pos types.Position, point float64) error {
	age := time.Now().UTC().Sub(pos.EntryTime.UTC())
	if a.config.MaxAdoptAge > 0 && age > a.config.MaxAdoptAge {
		a.logger.Warn("refusing adoption of stale position",
			zap.Int64("ticket", pos.Ticket),
			zap.Duration("age", age),
			zap.Duration("maxAge", a.config.MaxAdoptAge),
		)
		return nil
	}

	if pos.StopLoss != 0 && pos.TakeProfit != 0 {
		a.tracker.Adopt(pos, pos.StopLoss, pos.TakeProfit)
		a.logger.Info("adopted position with existing stops",
			zap.Int64("ticket", pos.Ticket))
		return nil
	}

	sl, tp, degraded := a.emergencyStops(ctx, pos, point)
	if err := a.broker.ModifyPosition(ctx, pos.Ticket, sl, tp); err != nil {
		return err
	}
	a.tracker.Adopt(pos, sl, tp)
	a.logger.Info("adopted external position",
		zap.Int64("ticket", pos.Ticket),
		zap.String("symbol", pos.Symbol),
		zap.Float64("sl", sl),
		zap.Float64("tp", tp),
		zap.Bool("degraded", degraded),
	)
	return nil
}

// emergencyStops computes ATR-based stops, falling back to a fixed
// point distance when ATR cannot be computed.
func (a *Adopter) emergencyStops(ctx context.Context, pos types.Position, point float64) (sl, tp float64, degraded bool) {
	atr := math.NaN()
	if a.config.UseATRBasedSLTP {
		series, err := a.broker.Rates(ctx, pos.Symbol, a.config.Timeframe, a.config.LookbackBars)
		if err != nil {
			a.logger.Warn("rates unavailable for adoption", zap.Error(err))
		} else if series.Len() > a.config.ATRPeriod {
			vals := indicators.ATR(series.Bars, a.config.ATRPeriod)
			atr = vals[len(vals)-1]
		}
	}

	var slDist, tpDist float64
	if !math.IsNaN(atr) && atr > 0 {
		slDist = a.config.EmergencySLATRMult * atr
		tpDist = a.config.EmergencyTPATRMult * atr
	} else {
		// Degraded adoption: fixed-points distance, same 2:1 shape.
		slDist = a.config.EmergencySLPoints * point
		tpDist = 2 * slDist
		degraded = true
		a.logger.Warn("degraded adoption, using fixed-point stops",
			zap.Int64("ticket", pos.Ticket),
			zap.Float64("points", a.config.EmergencySLPoints),
		)
	}

	if pos.Side == types.SideLong {
		return pos.EntryPrice - slDist, pos.EntryPrice + tpDist, degraded
	}
	return pos.EntryPrice + slDist, pos.EntryPrice - tpDist, degraded
}
