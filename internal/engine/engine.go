// Package engine runs the autonomous trading loop.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cthulu-trading/cthulu/internal/broker"
	"github.com/cthulu-trading/cthulu/internal/config"
	"github.com/cthulu-trading/cthulu/internal/exits"
	"github.com/cthulu-trading/cthulu/internal/indicators"
	"github.com/cthulu-trading/cthulu/internal/metrics"
	"github.com/cthulu-trading/cthulu/internal/persistence"
	"github.com/cthulu-trading/cthulu/internal/position"
	"github.com/cthulu-trading/cthulu/internal/risk"
	"github.com/cthulu-trading/cthulu/internal/strategy"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"go.uber.org/zap"
)

// Broker is the bridge surface the engine consumes.
type Broker interface {
	Health(ctx context.Context) (types.HealthStatus, error)
	AccountInfo(ctx context.Context) (types.Account, error)
	SymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error)
	Rates(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.Series, error)
	OpenPositions(ctx context.Context, magic int64) ([]types.Position, error)
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (types.OrderResult, error)
	ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error
	ClosePosition(ctx context.Context, ticket int64, lot float64) (types.CloseResult, error)
	Degraded() bool
}

// Status is the live engine view served by the status API.
type Status struct {
	Time          time.Time          `json:"time"`
	Cycle         int64              `json:"cycle"`
	Account       types.Account      `json:"account"`
	Positions     []types.Position   `json:"positions"`
	Risk          risk.StateSnapshot `json:"risk"`
	Phase         types.Phase        `json:"phase"`
	Tier          types.DrawdownTier `json:"tier"`
	Degraded      bool               `json:"degraded"`
	DryRun        bool               `json:"dry_run"`
	ExitStats     exits.Stats        `json:"exit_stats"`
	LastErrors    []string           `json:"last_errors"`
	LastCycleTime time.Duration      `json:"last_cycle_duration"`
}

// Engine orchestrates one serial trading cycle at the configured
// cadence. At most one cycle runs at a time.
type Engine struct {
	logger *zap.Logger
	config *config.Config

	broker      Broker
	tracker     *position.Tracker
	lifecycle   *position.Lifecycle
	adopter     *position.Adopter
	evaluator   *risk.Evaluator
	selector    *strategy.Selector
	coordinator *exits.Coordinator
	collector   *metrics.Collector
	store       *persistence.Store
	watchdog    *Watchdog
	specs       []indicators.Spec

	errs       *errorRing
	cycleCount int64

	lastAccount  types.Account
	lastSeries   *types.Series
	lastDataTime time.Time
	lastCycleDur time.Duration

	statusCh chan Status // fan-out to the API websocket stream
}

// Run drives the loop until ctx is done. Cycle overshoot shortens the
// next sleep; cycles never overlap.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.config.PollInterval()
	e.logger.Info("trading loop starting",
		zap.String("symbol", e.config.Symbol),
		zap.String("timeframe", string(e.config.Timeframe)),
		zap.Duration("interval", interval),
		zap.Bool("dryRun", e.config.DryRun),
	)

	for {
		start := time.Now()
		e.runCycle(ctx, interval)
		e.watchdog.Reset()
		elapsed := time.Since(start)
		e.lastCycleDur = elapsed

		sleep := interval - elapsed
		if elapsed > 2*interval {
			e.logger.Warn("cycle overshoot, catching up",
				zap.Duration("elapsed", elapsed),
				zap.Duration("interval", interval),
			)
			sleep = interval / 4
		}
		if sleep < 0 {
			sleep = 0
		}

		select {
		case <-ctx.Done():
			e.logger.Info("trading loop stopping at cycle boundary")
			return e.shutdown()
		case <-time.After(sleep):
		}
	}
}

// runCycle bounds one pass at twice the poll interval on top of the
// per-call broker timeouts, so a slow bridge degrades the cycle
// instead of stalling toward the watchdog kill.
func (e *Engine) runCycle(ctx context.Context, interval time.Duration) {
	cctx, cancel := context.WithTimeout(ctx, 2*interval)
	defer cancel()
	e.cycle(cctx)
}

// cycle runs one full pipeline pass. Errors never cross the cycle
// boundary: each step records and the dependent steps are skipped.
func (e *Engine) cycle(ctx context.Context) {
	e.cycleCount++
	now := time.Now().UTC()

	health, err := e.broker.Health(ctx)
	if err != nil {
		e.fail("broker_health", err)
	}
	degraded := e.broker.Degraded()

	account, err := e.broker.AccountInfo(ctx)
	if err != nil {
		e.fail("broker_account", err)
		e.finishCycle(now, health.LatencyMS, degraded, nil, types.MarketContext{})
		return
	}
	e.lastAccount = account
	e.evaluator.State().Observe(account.Equity, now)

	// Reconcile broker truth and adopt unknowns before anything else
	// looks at positions.
	info, infoErr := e.broker.SymbolInfo(ctx, e.config.Symbol)
	if infoErr != nil {
		e.fail("broker_symbol", infoErr)
	} else {
		e.lifecycle.SetSymbolInfo(info)
	}
	e.reconcile(ctx, now, info)

	// Market data and indicators.
	snap, series, dataOK := e.refreshData(ctx)
	mkt := types.MarketContext{Session: sessionFor(now), NearMarketClose: nearMarketClose(now)}
	if dataOK && infoErr == nil {
		mkt = buildMarketContext(series, snap, info, now)
	}

	// Entries: skipped entirely when degraded.
	if dataOK && infoErr == nil && !degraded {
		e.entries(ctx, now, account, series, snap, mkt, info)
	} else if degraded {
		e.logger.Warn("bridge degraded, suppressing new orders")
	}

	// Exits: run with last-known data while degraded, but only inside
	// the freshness window.
	fresh := time.Since(e.lastDataTime) <= time.Duration(e.config.MT5.FreshnessWindow*float64(time.Second))
	if (dataOK || (degraded && fresh)) && e.lastSeries != nil {
		e.exitPass(ctx, now, account, snap, mkt, info)
	}

	e.finishCycle(now, health.LatencyMS, degraded, snap, mkt)
}

// reconcile pulls broker positions, updates the tracker, persists
// closes, and hands unknowns to adoption.
func (e *Engine) reconcile(ctx context.Context, now time.Time, info types.SymbolInfo) {
	positions, err := e.broker.OpenPositions(ctx, 0)
	if err != nil {
		e.fail("broker_positions", err)
		return
	}
	res, err := e.tracker.Reconcile(positions, e.config.MagicNumber)
	if err != nil {
		// Invariant violation: skip this cycle's position handling.
		e.fail("tracker_invariant", err)
		return
	}
	for _, closed := range res.Closed {
		e.evaluator.State().RecordRealized(closed.UnrealizedPnL)
		posCtx := position.Context(closed, now, e.lastAccount.Balance)
		if err := e.store.AppendTrade(persistence.TradeRecord{
			ID:         persistence.NewID(),
			Ticket:     closed.Ticket,
			EntryTS:    closed.EntryTime,
			ExitTS:     now,
			EntryPrice: closed.EntryPrice,
			ExitPrice:  closed.CurrentPrice,
			Lot:        closed.Lot,
			PnL:        closed.UnrealizedPnL,
			MFE:        posCtx.MFE,
			MAE:        posCtx.MAE,
		}); err != nil {
			e.fail("persistence", err)
		}
	}
	// Adoption needs symbol metadata for the fixed-points fallback;
	// without it, unknowns wait for the next cycle.
	if info.Point <= 0 {
		return
	}
	for _, unknown := range res.Unknown {
		if err := e.adopter.Adopt(ctx, unknown, info.Point); err != nil {
			e.fail("adoption", err)
		}
	}
}

// refreshData fetches the bar tail and computes the indicator snapshot.
func (e *Engine) refreshData(ctx context.Context) (types.IndicatorSnapshot, *types.Series, bool) {
	count := e.config.WarmupBars + 1
	series, err := e.broker.Rates(ctx, e.config.Symbol, e.config.Timeframe, count)
	if err != nil {
		e.fail("broker_rates", err)
		return nil, nil, false
	}
	if series.Len() < e.config.WarmupBars {
		e.logger.Warn("insufficient bars for indicators",
			zap.Int("got", series.Len()),
			zap.Int("want", e.config.WarmupBars),
		)
		return nil, nil, false
	}
	for i := 1; i < series.Len(); i++ {
		if !series.Bars[i].Time.After(series.Bars[i-1].Time) {
			e.fail("bars_unordered", fmt.Errorf("bar %d not after predecessor", i))
			return nil, nil, false
		}
	}
	snap := indicators.Snapshot(&series, e.specs)
	e.lastSeries = &series
	e.lastDataTime = time.Now()
	return snap, &series, true
}

// entries evaluates strategies, approves through risk, and places
// orders.
func (e *Engine) entries(ctx context.Context, now time.Time, account types.Account,
	series *types.Series, snap types.IndicatorSnapshot, mkt types.MarketContext, info types.SymbolInfo) {

	chosen, evals := e.selector.Select(series, snap, mkt)
	for _, ev := range evals {
		e.collector.IncSignal(ev.Signal.StrategyID, ev.Accepted)
		if err := e.store.AppendSignal(persistence.SignalRecord{
			ID:         persistence.NewID(),
			TS:         now,
			Symbol:     ev.Signal.Symbol,
			Side:       string(ev.Signal.Side),
			Confidence: ev.Signal.Confidence,
			Strategy:   ev.Signal.StrategyID,
			Accepted:   ev.Accepted,
			Reason:     ev.Reason,
		}); err != nil {
			e.fail("persistence", err)
		}
	}

	bar, _ := series.Last()
	for _, sig := range chosen {
		approval := e.evaluator.Approve(risk.Input{
			Signal:        sig,
			Account:       account,
			Market:        mkt,
			Symbol:        info,
			Price:         bar.Close,
			ATR:           snap.Scalar("atr"),
			OpenTotal:     e.tracker.Count(),
			OpenForSymbol: e.tracker.CountBySymbol(sig.Symbol),
			LastVolume:    bar.Volume,
			GapPips:       lastBarGapPips(series, info),
		})
		if !approval.Approved {
			if err := e.store.AppendSignal(persistence.SignalRecord{
				ID:         persistence.NewID(),
				TS:         now,
				Symbol:     sig.Symbol,
				Side:       string(sig.Side),
				Confidence: sig.Confidence,
				Strategy:   sig.StrategyID,
				Accepted:   false,
				Reason:     approval.Reason,
			}); err != nil {
				e.fail("persistence", err)
			}
			continue
		}
		e.placeOrder(ctx, now, sig, approval, bar.Close)
	}
}

// placeOrder submits an approved order, or logs the intent in dry-run.
func (e *Engine) placeOrder(ctx context.Context, now time.Time, sig types.Signal, approval risk.Approval, price float64) {
	if e.config.DryRun {
		e.logger.Info("dry run, order intent",
			zap.String("strategy", sig.StrategyID),
			zap.String("side", string(sig.Side)),
			zap.Float64("lot", approval.Lot),
			zap.Float64("sl", approval.StopLoss),
			zap.Float64("tp", approval.TakeProfit),
		)
		return
	}

	req := broker.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Lot:        approval.Lot,
		StopLoss:   approval.StopLoss,
		TakeProfit: approval.TakeProfit,
		Magic:      e.config.MagicNumber,
		Comment:    "cthulu:" + sig.StrategyID,
	}
	result, err := e.broker.PlaceOrder(ctx, req)
	status := "filled"
	if err != nil {
		e.fail("order_failed", err)
		status = "rejected"
	}
	if err := e.store.AppendOrder(persistence.OrderRecord{
		ID:             persistence.NewID(),
		TSRequest:      now,
		TSAck:          time.Now().UTC(),
		RequestPrice:   price,
		ExecutionPrice: result.FillPrice,
		Lot:            approval.Lot,
		Status:         status,
		LatencyMS:      result.LatencyMS,
		Slippage:       result.SlippagePoints,
		Ticket:         result.Ticket,
	}); err != nil {
		e.fail("persistence", err)
	}
	if status != "filled" {
		return
	}

	e.collector.IncOrder(string(sig.Side))
	e.evaluator.State().RecordOpen()
	if err := e.tracker.Track(types.Position{
		Ticket:     result.Ticket,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Lot:        approval.Lot,
		EntryPrice: result.FillPrice,
		EntryTime:  time.Now().UTC(),
		StopLoss:   approval.StopLoss,
		TakeProfit: approval.TakeProfit,
		OpenedBy:   types.OpenedByEngine,
		Magic:      e.config.MagicNumber,
	}); err != nil {
		e.fail("tracker_invariant", err)
	}
	e.logger.Info("order filled",
		zap.Int64("ticket", result.Ticket),
		zap.String("strategy", sig.StrategyID),
		zap.Float64("lot", approval.Lot),
		zap.Float64("price", result.FillPrice),
		zap.Float64("slippage", result.SlippagePoints),
	)
}

// exitPass evaluates and applies at most one exit per open position.
func (e *Engine) exitPass(ctx context.Context, now time.Time, account types.Account,
	snap types.IndicatorSnapshot, mkt types.MarketContext, info types.SymbolInfo) {

	state := e.evaluator.State().Snapshot()
	phase := e.evaluator.PhaseFor(account.Balance, state.CurrentDrawdownPct)
	tier, _ := e.evaluator.TierFor(state.CurrentDrawdownPct)

	for _, pos := range e.tracker.All() {
		in := exits.Input{
			Position: pos,
			PosCtx:   position.Context(pos, now, account.Balance),
			Market:   mkt,
			Series:   e.lastSeries,
			Snapshot: snap,
			Account:  account,
			Phase:    phase,
			Tier:     tier,
			PipSize:  pipSize(info),
			TickSize: info.TickSize,
		}
		decision := e.coordinator.Evaluate(in)
		if decision == nil {
			continue
		}
		if e.config.DryRun {
			e.logger.Info("dry run, exit intent",
				zap.Int64("ticket", decision.Ticket),
				zap.String("strategy", decision.StrategyID),
				zap.String("action", string(decision.Action)),
			)
			continue
		}
		res, err := e.coordinator.Apply(ctx, decision)
		if err != nil {
			e.fail("exit_failed", err)
			continue
		}
		e.collector.IncExit(decision.StrategyID)
		if res != nil {
			e.evaluator.State().RecordRealized(res.PnL)
			if err := e.store.AppendTrade(persistence.TradeRecord{
				ID:           persistence.NewID(),
				Ticket:       pos.Ticket,
				EntryTS:      pos.EntryTime,
				ExitTS:       now,
				EntryPrice:   pos.EntryPrice,
				ExitPrice:    res.Price,
				Lot:          pos.Lot,
				PnL:          res.PnL,
				MFE:          in.PosCtx.MFE,
				MAE:          in.PosCtx.MAE,
				ExitStrategy: decision.StrategyID,
			}); err != nil {
				e.fail("persistence", err)
			}
		}
	}
}

// finishCycle records metrics and persists the snapshot.
func (e *Engine) finishCycle(now time.Time, latencyMS int64, degraded bool,
	snap types.IndicatorSnapshot, mkt types.MarketContext) {
	e.collector.IncCycle()
	state := e.evaluator.State().Snapshot()
	phase := e.evaluator.PhaseFor(e.lastAccount.Balance, state.CurrentDrawdownPct)
	tier, _ := e.evaluator.TierFor(state.CurrentDrawdownPct)

	ms := metrics.Snapshot{
		Time:            now,
		Balance:         e.lastAccount.Balance,
		Equity:          e.lastAccount.Equity,
		Margin:          e.lastAccount.Margin,
		FreeMargin:      e.lastAccount.FreeMargin,
		DrawdownPct:     state.CurrentDrawdownPct,
		DailyPnL:        state.DailyRealizedPnL,
		DailyTrades:     state.DailyTradeCount,
		OpenPositions:   e.tracker.Count(),
		Phase:           string(phase),
		Tier:            string(tier),
		Degraded:        degraded,
		CycleSeconds:    e.lastCycleDur.Seconds(),
		BrokerLatencyMS: latencyMS,
		SpreadPips:      mkt.SpreadPips,
	}
	if snap != nil {
		ms.ATR = snap.Scalar("atr")
		ms.ADX = snap.Scalar("adx")
		ms.RSI = snap.Scalar("rsi")
	}
	e.collector.Record(ms)

	status := Status{
		Time:          now,
		Cycle:         e.cycleCount,
		Account:       e.lastAccount,
		Positions:     e.tracker.All(),
		Risk:          state,
		Phase:         phase,
		Tier:          tier,
		Degraded:      degraded,
		DryRun:        e.config.DryRun,
		ExitStats:     e.coordinator.Stats(),
		LastErrors:    e.errs.list(),
		LastCycleTime: e.lastCycleDur,
	}
	select {
	case e.statusCh <- status:
	default: // status stream is best-effort
	}

	if err := e.store.SaveSnapshot(persistence.EngineSnapshot{
		Time:       now,
		Account:    e.lastAccount,
		Positions:  e.tracker.All(),
		Risk:       state,
		LastErrors: e.errs.list(),
		Degraded:   degraded,
	}); err != nil {
		e.fail("persistence", err)
	}
}

// fail records a subsystem error without letting it cross the cycle
// boundary.
func (e *Engine) fail(kind string, err error) {
	e.collector.IncError(kind)
	e.errs.add(kind + ": " + err.Error())
	e.logger.Error("cycle step failed", zap.String("kind", kind), zap.Error(err))
}

// shutdown flushes state at loop exit. Optionally closes engine-owned
// positions when configured.
func (e *Engine) shutdown() error {
	// A detached context: the loop context is already canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if e.config.CloseOnExit && !e.config.DryRun {
		for _, pos := range e.tracker.All() {
			if pos.OpenedBy == types.OpenedByExternal {
				continue
			}
			if _, err := e.lifecycle.FullClose(ctx, pos.Ticket); err != nil {
				e.logger.Error("close on exit failed",
					zap.Int64("ticket", pos.Ticket), zap.Error(err))
			}
		}
	}

	state := e.evaluator.State().Snapshot()
	if err := e.store.SaveSnapshot(persistence.EngineSnapshot{
		Time:       time.Now().UTC(),
		Account:    e.lastAccount,
		Positions:  e.tracker.All(),
		Risk:       state,
		LastErrors: e.errs.list(),
	}); err != nil {
		return fmt.Errorf("final snapshot: %w", err)
	}
	e.logger.Info("engine shut down cleanly",
		zap.Int64("cycles", e.cycleCount))
	return nil
}

// StatusStream exposes the per-cycle status fan-out consumed by the
// API websocket.
func (e *Engine) StatusStream() <-chan Status { return e.statusCh }

// CurrentStatus builds an on-demand status view for the HTTP handler.
func (e *Engine) CurrentStatus() Status {
	state := e.evaluator.State().Snapshot()
	phase := e.evaluator.PhaseFor(e.lastAccount.Balance, state.CurrentDrawdownPct)
	tier, _ := e.evaluator.TierFor(state.CurrentDrawdownPct)
	return Status{
		Time:          time.Now().UTC(),
		Cycle:         e.cycleCount,
		Account:       e.lastAccount,
		Positions:     e.tracker.All(),
		Risk:          state,
		Phase:         phase,
		Tier:          tier,
		Degraded:      e.broker.Degraded(),
		DryRun:        e.config.DryRun,
		ExitStats:     e.coordinator.Stats(),
		LastErrors:    e.errs.list(),
		LastCycleTime: e.lastCycleDur,
	}
}

// Watchdog exposes the watchdog for the process-level supervisor.
func (e *Engine) Watchdog() *Watchdog { return e.watchdog }
