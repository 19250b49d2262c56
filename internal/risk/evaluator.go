package risk

import (
	"math"

	"github.com/cthulu-trading/cthulu/internal/config"
	"github.com/cthulu-trading/cthulu/internal/position"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"go.uber.org/zap"
)

// Rejection reasons recorded in the signal funnel. A rejection is not
// an error; it is counted and logged at debug.
const (
	ReasonTradingDisabled    = "trading_disabled"
	ReasonEmergencyStop      = "emergency_stop"
	ReasonDailyLossCap       = "daily_loss_cap"
	ReasonMaxTotalPositions  = "max_total_positions"
	ReasonMaxSymbolPositions = "max_symbol_positions"
	ReasonDailyTradeCap      = "daily_trade_cap"
	ReasonLiquiditySpread    = "liquidity_trap_spread"
	ReasonLiquidityVolume    = "liquidity_trap_volume"
	ReasonLiquidityGap       = "liquidity_trap_gap"
	ReasonDrawdownHalt       = "drawdown_halt"
	ReasonSLTooWide          = "sl_too_wide"
	ReasonLotBelowMinimum    = "lot_below_minimum"
	ReasonInsufficientMargin = "insufficient_margin"
)

// Input bundles everything one approval decision needs.
type Input struct {
	Signal        types.Signal
	Account       types.Account
	Market        types.MarketContext
	Symbol        types.SymbolInfo
	Price         float64 // current close, the assumed entry
	ATR           float64 // for SL/TP synthesis
	OpenTotal     int
	OpenForSymbol int
	LastVolume    float64
	GapPips       float64
}

// Approval is the evaluator's decision.
type Approval struct {
	Approved   bool
	Reason     string
	Lot        float64
	StopLoss   float64
	TakeProfit float64
	Phase      types.Phase
	Tier       types.DrawdownTier
}

// Evaluator applies the ordered risk gates and sizes approved trades.
type Evaluator struct {
	logger *zap.Logger
	config config.RiskConfig
	state  *State
}

// NewEvaluator creates the risk evaluator.
func NewEvaluator(logger *zap.Logger, cfg config.RiskConfig, state *State) *Evaluator {
	return &Evaluator{
		logger: logger.Named("risk"),
		config: cfg,
		state:  state,
	}
}

// State exposes the shared risk state.
func (e *Evaluator) State() *State { return e.state }

// PhaseFor derives the account phase from balance tiers, forced to
// recovery when drawdown exceeds the recovery threshold.
func (e *Evaluator) PhaseFor(balance, drawdownPct float64) types.Phase {
	if rp := e.config.AdaptiveDrawdown.RecoveryPct; rp > 0 && drawdownPct > rp {
		return types.PhaseRecovery
	}
	th := e.config.AdaptiveAccountManager.Thresholds
	phases := []types.Phase{types.PhaseMicro, types.PhaseSeed, types.PhaseGrowth, types.PhaseEstablished}
	for i, bound := range th {
		if i < len(phases) && balance <= bound {
			return phases[i]
		}
	}
	return types.PhaseMature
}

// TierFor buckets drawdown into its tier and risk multiplier.
func (e *Evaluator) TierFor(drawdownPct float64) (types.DrawdownTier, float64) {
	dd := e.config.AdaptiveDrawdown
	tiers := []types.DrawdownTier{
		types.DrawdownNormal, types.DrawdownWarning, types.DrawdownSevere,
		types.DrawdownCritical, types.DrawdownEmergency,
	}
	for i, level := range dd.Levels {
		if drawdownPct < level {
			return tierAt(tiers, i), multAt(dd.Multipliers, i)
		}
	}
	return tierAt(tiers, len(dd.Levels)), multAt(dd.Multipliers, len(dd.Levels))
}

func tierAt(tiers []types.DrawdownTier, i int) types.DrawdownTier {
	if i < len(tiers) {
		return tiers[i]
	}
	return types.DrawdownEmergency
}

func multAt(mults []float64, i int) float64 {
	if i < len(mults) {
		return mults[i]
	}
	return 0
}

// slFraction returns the balance-tiered cap on SL risk as a fraction of
// balance.
func (e *Evaluator) slFraction(balance float64) float64 {
	for _, tier := range e.config.SLBalanceThresholds {
		if tier.UpTo == 0 || balance <= tier.UpTo {
			return tier.Fraction
		}
	}
	return 0.05
}

// Approve runs the gates in order; the first failure returns with its
// reason. On approval the lot is sized from the effective risk budget.
func (e *Evaluator) Approve(in Input) Approval {
	state := e.state.Snapshot()
	phase := e.PhaseFor(in.Account.Balance, state.CurrentDrawdownPct)
	tier, ddMult := e.TierFor(state.CurrentDrawdownPct)
	out := Approval{Phase: phase, Tier: tier}

	reject := func(reason string) Approval {
		out.Reason = reason
		e.logger.Debug("signal rejected",
			zap.String("strategy", in.Signal.StrategyID),
			zap.String("reason", reason),
			zap.String("phase", string(phase)),
			zap.String("tier", string(tier)),
		)
		return out
	}

	// Gate 1: trading permitted.
	if !in.Account.TradeAllowed {
		return reject(ReasonTradingDisabled)
	}
	if esl := e.config.EmergencyStopLossPct; esl > 0 && state.CurrentDrawdownPct >= esl {
		return reject(ReasonEmergencyStop)
	}

	// Gate 2: daily loss cap.
	if state.DailyRealizedPnL <= -e.config.MaxDailyLoss {
		return reject(ReasonDailyLossCap)
	}

	// Gate 3: concurrent position caps.
	if in.OpenTotal >= e.config.MaxTotalPositions {
		return reject(ReasonMaxTotalPositions)
	}
	if in.OpenForSymbol >= e.config.MaxPositionsPerSymbol {
		return reject(ReasonMaxSymbolPositions)
	}
	if limit, ok := e.config.AdaptiveAccountManager.MaxTradesPerDay[string(phase)]; ok && state.DailyTradeCount >= limit {
		return reject(ReasonDailyTradeCap)
	}

	// Gate 4: liquidity-trap veto.
	if lt := e.config.LiquidityTrapDetection; lt.Enabled {
		if in.Market.SpreadPips > lt.MaxSpreadPips {
			return reject(ReasonLiquiditySpread)
		}
		if in.LastVolume < lt.MinVolumeThreshold {
			return reject(ReasonLiquidityVolume)
		}
		if in.GapPips > lt.MaxGapPips {
			return reject(ReasonLiquidityGap)
		}
	}

	// Gates 5+6: phase risk scaling and drawdown multiplier.
	riskPct := e.config.BaseRiskPct
	if phasePct, ok := e.config.AdaptiveAccountManager.RiskPctPerPhase[string(phase)]; ok && phasePct < riskPct {
		riskPct = phasePct
	}
	if ddMult <= 0 {
		return reject(ReasonDrawdownHalt)
	}
	riskPct *= ddMult

	// Synthesize stops from ATR when the signal carries none: 2:1
	// reward to risk baseline.
	sl, tp := in.Signal.SuggestedSL, in.Signal.SuggestedTP
	if sl == 0 {
		if math.IsNaN(in.ATR) || in.ATR <= 0 {
			return reject(ReasonSLTooWide)
		}
		if in.Signal.Side == types.SideLong {
			sl = in.Price - 2*in.ATR
			tp = in.Price + 4*in.ATR
		} else {
			sl = in.Price + 2*in.ATR
			tp = in.Price - 4*in.ATR
		}
	}

	// Gate 7: balance-tiered cap on SL risk in account currency.
	targetRisk := in.Account.Balance * riskPct
	if maxRisk := e.slFraction(in.Account.Balance) * in.Account.Balance; targetRisk > maxRisk {
		targetRisk = maxRisk
	}

	// Gate 8: position sizing.
	if in.Symbol.Point <= 0 || in.Symbol.TickValue <= 0 {
		return reject(ReasonSLTooWide)
	}
	distPoints := math.Abs(in.Price-sl) / in.Symbol.Point
	if distPoints <= 0 {
		return reject(ReasonSLTooWide)
	}
	lot := targetRisk / (distPoints * in.Symbol.TickValue)
	if in.Signal.SuggestedLot > 0 && lot > in.Signal.SuggestedLot {
		lot = in.Signal.SuggestedLot
	}
	if e.config.MaxPositionSize > 0 && lot > e.config.MaxPositionSize {
		lot = e.config.MaxPositionSize
	}
	if in.Symbol.MaxLot > 0 && lot > in.Symbol.MaxLot {
		lot = in.Symbol.MaxLot
	}
	lot = position.SnapLot(lot, in.Symbol.LotStep)
	if lot < in.Symbol.MinLot || lot <= 0 {
		return reject(ReasonLotBelowMinimum)
	}

	// Gate 9: free margin at 90% headroom.
	marginRate := in.Symbol.MarginRate
	if marginRate <= 0 {
		marginRate = 0.01
	}
	required := lot * in.Symbol.ContractSize * in.Price * marginRate
	factor := e.config.FreeMarginFactor
	if factor <= 0 {
		factor = 0.9
	}
	if required > in.Account.FreeMargin*factor {
		return reject(ReasonInsufficientMargin)
	}

	out.Approved = true
	out.Lot = lot
	out.StopLoss = sl
	out.TakeProfit = tp
	e.logger.Info("signal approved",
		zap.String("strategy", in.Signal.StrategyID),
		zap.String("side", string(in.Signal.Side)),
		zap.Float64("lot", lot),
		zap.Float64("sl", sl),
		zap.Float64("tp", tp),
		zap.String("phase", string(phase)),
		zap.String("tier", string(tier)),
	)
	return out
}
