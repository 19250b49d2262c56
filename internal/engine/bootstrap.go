package engine

import (
	"fmt"
	"time"

	"github.com/cthulu-trading/cthulu/internal/config"
	"github.com/cthulu-trading/cthulu/internal/exits"
	"github.com/cthulu-trading/cthulu/internal/indicators"
	"github.com/cthulu-trading/cthulu/internal/metrics"
	"github.com/cthulu-trading/cthulu/internal/persistence"
	"github.com/cthulu-trading/cthulu/internal/position"
	"github.com/cthulu-trading/cthulu/internal/risk"
	"github.com/cthulu-trading/cthulu/internal/strategy"
	"go.uber.org/zap"
)

// errorRingSize bounds the error tail carried in status and snapshots.
const errorRingSize = 20

// New assembles the engine from configuration. The previous snapshot,
// when present, seeds the risk state so a restart does not forget the
// equity peak or the day's counters.
func New(logger *zap.Logger, cfg *config.Config, b Broker, onWatchdogExpire func()) (*Engine, error) {
	log := logger.Named("engine")

	store, err := persistence.NewStore(logger, cfg.Paths.TradeDB, cfg.Paths.SnapshotFile)
	if err != nil {
		return nil, err
	}

	state := risk.NewState()
	if snap, ok, err := store.LoadSnapshot(); err != nil {
		log.Warn("snapshot unreadable, starting fresh", zap.Error(err))
	} else if ok {
		state.Restore(snap.Risk, time.Now())
		log.Info("risk state restored",
			zap.Float64("peakEquity", snap.Risk.PeakEquity),
			zap.String("day", snap.Risk.LastResetDate),
		)
	}

	tracker := position.NewTracker(logger)
	lifecycle := position.NewLifecycle(logger, b, tracker)
	adopter := position.NewAdopter(logger, b, tracker, adoptionConfig(cfg))
	evaluator := risk.NewEvaluator(logger, cfg.Risk, state)

	selector, err := buildSelector(logger, cfg)
	if err != nil {
		return nil, err
	}
	coordinator, err := buildCoordinator(logger, cfg, lifecycle)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(logger, metrics.Config{
		CSVPath:        cfg.Metrics.CSVPath,
		PrometheusPath: cfg.Metrics.PrometheusPath,
		Interval:       time.Duration(cfg.Metrics.IntervalSeconds * float64(time.Second)),
		QueueSize:      cfg.Metrics.QueueSize,
	})

	e := &Engine{
		logger:      log,
		config:      cfg,
		broker:      b,
		tracker:     tracker,
		lifecycle:   lifecycle,
		adopter:     adopter,
		evaluator:   evaluator,
		selector:    selector,
		coordinator: coordinator,
		collector:   collector,
		store:       store,
		specs:       indicatorSpecs(cfg),
		errs:        newErrorRing(errorRingSize),
		statusCh:    make(chan Status, 1),
	}
	e.watchdog = NewWatchdog(logger, cfg.WatchdogTimeout(), onWatchdogExpire)
	return e, nil
}

// Collector exposes the metrics collector so the supervisor can run its
// worker and the API can serve its registry.
func (e *Engine) Collector() *metrics.Collector { return e.collector }

// Store exposes the persistence store for shutdown flushing.
func (e *Engine) Store() *persistence.Store { return e.store }

func adoptionConfig(cfg *config.Config) position.AdoptionConfig {
	ac := position.DefaultAdoptionConfig()
	ac.UseATRBasedSLTP = cfg.Adoption.UseATRBasedSLTP
	if cfg.Adoption.EmergencySLATRMult > 0 {
		ac.EmergencySLATRMult = cfg.Adoption.EmergencySLATRMult
	}
	if cfg.Adoption.EmergencyTPATRMult > 0 {
		ac.EmergencyTPATRMult = cfg.Adoption.EmergencyTPATRMult
	}
	if cfg.Adoption.EmergencySLPoints > 0 {
		ac.EmergencySLPoints = cfg.Adoption.EmergencySLPoints
	}
	if cfg.Adoption.MaxAdoptAgeHours > 0 {
		ac.MaxAdoptAge = cfg.MaxAdoptAge()
	}
	return ac
}

func indicatorSpecs(cfg *config.Config) []indicators.Spec {
	if len(cfg.Indicators) == 0 {
		return indicators.DefaultSpecs()
	}
	specs := make([]indicators.Spec, 0, len(cfg.Indicators))
	for _, ic := range cfg.Indicators {
		specs = append(specs, indicators.Spec{Name: ic.Name, Params: ic.Params})
	}
	return specs
}

func buildSelector(logger *zap.Logger, cfg *config.Config) (*strategy.Selector, error) {
	registry := strategy.NewRegistry(logger)
	weighted := make([]strategy.Weighted, 0, len(cfg.Strategy.Strategies))
	for _, spec := range cfg.Strategy.Strategies {
		s, err := registry.Create(spec.ID, strategy.Params(spec.Params))
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		weight := spec.Weight
		if weight <= 0 {
			weight = 1.0
		}
		weighted = append(weighted, strategy.Weighted{Strategy: s, Weight: weight})
	}
	return strategy.NewSelector(logger, weighted, cfg.Strategy.MinConfidence, nil), nil
}

func buildCoordinator(logger *zap.Logger, cfg *config.Config, lifecycle *position.Lifecycle) (*exits.Coordinator, error) {
	strategies := make([]exits.Strategy, 0, len(cfg.Exit.Strategies))
	for _, spec := range cfg.Exit.Strategies {
		s, err := exits.NewBuiltin(spec.ID, spec.Priority, exits.Params(spec.Params))
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		strategies = append(strategies, s)
	}
	return exits.NewCoordinator(logger, strategies, lifecycle), nil
}
