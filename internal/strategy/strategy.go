// Package strategy provides entry signal strategies and selection.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cthulu-trading/cthulu/pkg/types"
	"go.uber.org/zap"
)

// Strategy produces at most one entry signal from bars and indicators.
// Implementations are stateless; all inputs arrive per call.
type Strategy interface {
	ID() string
	Evaluate(series *types.Series, snap types.IndicatorSnapshot, mkt types.MarketContext) *types.Signal
}

// Params carries per-strategy tuning values from configuration.
type Params map[string]float64

func (p Params) get(key string, def float64) float64 {
	if p == nil {
		return def
	}
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Registry holds strategy factories keyed by id.
type Registry struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	factories map[string]func(Params) Strategy
}

// NewRegistry creates a registry with all built-in strategies.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger.Named("strategy"),
		factories: make(map[string]func(Params) Strategy),
	}
	r.Register("sma_cross", func(p Params) Strategy { return &maCross{id: "sma_cross", indicator: "sma", params: p} })
	r.Register("ema_cross", func(p Params) Strategy { return &maCross{id: "ema_cross", indicator: "ema", params: p} })
	r.Register("momentum_breakout", func(p Params) Strategy { return &momentumBreakout{params: p} })
	r.Register("scalping", func(p Params) Strategy { return &scalping{params: p} })
	r.Register("trend_follow", func(p Params) Strategy { return &trendFollow{params: p} })
	r.Register("mean_reversion", func(p Params) Strategy { return &meanReversion{params: p} })
	r.Register("rsi_reversal", func(p Params) Strategy { return &rsiReversal{params: p} })
	return r
}

// Register adds a strategy factory.
func (r *Registry) Register(id string, factory func(Params) Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// Create instantiates a strategy by id.
func (r *Registry) Create(id string, params Params) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", id)
	}
	return factory(params), nil
}

// List returns registered strategy ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
