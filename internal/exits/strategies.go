// Package exits implements coordinated exit evaluation for open
// positions.
package exits

import (
	"fmt"
	"math"
	"time"

	"github.com/cthulu-trading/cthulu/pkg/types"
)

// Input bundles everything an exit strategy may consult. Strategies are
// stateless; idempotence comes from comparing against broker-confirmed
// stop levels.
type Input struct {
	Position types.Position
	PosCtx   types.PositionContext
	Market   types.MarketContext
	Series   *types.Series
	Snapshot types.IndicatorSnapshot
	Account  types.Account
	Phase    types.Phase
	Tier     types.DrawdownTier
	PipSize  float64
	TickSize float64
}

// Strategy evaluates one position for an exit. A nil return means no
// action this cycle.
type Strategy interface {
	ID() string
	BasePriority() float64
	Evaluate(in Input) *types.ExitDecision
}

// Params carries per-strategy tuning values.
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

func decide(in Input, id string, base float64, action types.ExitAction, reason string) *types.ExitDecision {
	return &types.ExitDecision{
		Ticket:     in.Position.Ticket,
		Action:     action,
		StrategyID: id,
		Priority:   base,
		Reason:     reason,
	}
}

// targetDistance is the TP distance from entry, the R target the
// profit-related exits measure progress against.
func targetDistance(p types.Position) float64 {
	if p.TakeProfit == 0 {
		return 0
	}
	return math.Abs(p.TakeProfit - p.EntryPrice)
}

// riskDistance is the adverse distance from entry to SL. Once the stop
// has been moved to break-even or beyond, half the target distance
// stands in so R-multiples stay meaningful.
func riskDistance(p types.Position) float64 {
	if p.StopLoss != 0 {
		var d float64
		if p.Side == types.SideLong {
			d = p.EntryPrice - p.StopLoss
		} else {
			d = p.StopLoss - p.EntryPrice
		}
		if d > 0 {
			return d
		}
	}
	return targetDistance(p) / 2
}

// survivalMode force-closes everything when the account is in danger:
// free margin collapse or emergency drawdown.
type survivalMode struct {
	base   float64
	params Params
}

func (s *survivalMode) ID() string            { return "survival_mode" }
func (s *survivalMode) BasePriority() float64 { return s.base }

func (s *survivalMode) Evaluate(in Input) *types.ExitDecision {
	minMarginRatio := s.params.get("min_free_margin_ratio", 0.2)
	if in.Account.Equity > 0 && in.Account.FreeMargin/in.Account.Equity < minMarginRatio {
		return decide(in, s.ID(), s.base, types.ExitCloseFull,
			fmt.Sprintf("free margin ratio %.2f below %.2f", in.Account.FreeMargin/in.Account.Equity, minMarginRatio))
	}
	if in.Tier == types.DrawdownEmergency {
		return decide(in, s.ID(), s.base, types.ExitCloseFull, "emergency drawdown")
	}
	return nil
}

// microProtection banks any meaningful profit on small accounts, where
// giving back a winner hurts most.
type microProtection struct {
	base   float64
	params Params
}

func (s *microProtection) ID() string            { return "micro_protection" }
func (s *microProtection) BasePriority() float64 { return s.base }

func (s *microProtection) Evaluate(in Input) *types.ExitDecision {
	if in.Phase != types.PhaseMicro && in.Phase != types.PhaseSeed {
		return nil
	}
	minPips := s.params.get("min_profit_pips", 5)
	minHold := time.Duration(s.params.get("min_hold_minutes", 10)) * time.Minute
	if in.PosCtx.HoldingTime < minHold || in.PipSize <= 0 {
		return nil
	}
	profitPips := in.PosCtx.MFE / in.PipSize
	if in.PosCtx.IsProfitable && profitPips >= minPips {
		return decide(in, s.ID(), s.base, types.ExitCloseFull,
			fmt.Sprintf("micro account banking %.1f pips", profitPips))
	}
	return nil
}

// stopLoss closes when price breaches the stop level.
type stopLoss struct {
	base float64
}

func (s *stopLoss) ID() string            { return "stop_loss" }
func (s *stopLoss) BasePriority() float64 { return s.base }

func (s *stopLoss) Evaluate(in Input) *types.ExitDecision {
	p := in.Position
	if p.StopLoss == 0 {
		return nil
	}
	breached := (p.Side == types.SideLong && p.CurrentPrice <= p.StopLoss) ||
		(p.Side == types.SideShort && p.CurrentPrice >= p.StopLoss)
	if breached {
		return decide(in, s.ID(), s.base, types.ExitCloseFull,
			fmt.Sprintf("price %.5f breached sl %.5f", p.CurrentPrice, p.StopLoss))
	}
	return nil
}

// adverseMovement closes on a rapid move against the position within a
// few bars.
type adverseMovement struct {
	base   float64
	params Params
}

func (s *adverseMovement) ID() string            { return "adverse_movement" }
func (s *adverseMovement) BasePriority() float64 { return s.base }

func (s *adverseMovement) Evaluate(in Input) *types.ExitDecision {
	atr := in.Snapshot.Scalar("atr")
	if math.IsNaN(atr) || atr <= 0 || in.Series == nil {
		return nil
	}
	nBars := int(s.params.get("bars", 3))
	mult := s.params.get("atr_mult", 1.5)
	bars := in.Series.Bars
	if len(bars) < nBars+1 {
		return nil
	}
	ref := bars[len(bars)-1-nBars].Close
	cur := bars[len(bars)-1].Close
	var adverse float64
	if in.Position.Side == types.SideLong {
		adverse = ref - cur
	} else {
		adverse = cur - ref
	}
	if adverse >= mult*atr {
		return decide(in, s.ID(), s.base, types.ExitCloseFull,
			fmt.Sprintf("adverse move %.5f over %d bars (%.1fx atr)", adverse, nBars, adverse/atr))
	}
	return nil
}

// trailingStop ratchets the stop behind the favorable excursion once
// activation is reached. Modify-only; never loosens a stop.
type trailingStop struct {
	base   float64
	params Params
}

func (s *trailingStop) ID() string            { return "trailing_stop" }
func (s *trailingStop) BasePriority() float64 { return s.base }

func (s *trailingStop) Evaluate(in Input) *types.ExitDecision {
	atr := in.Snapshot.Scalar("atr")
	if math.IsNaN(atr) || atr <= 0 {
		return nil
	}
	activation := s.params.get("activation_atr_mult", 1.0) * atr
	trail := s.params.get("trail_atr_mult", 0.5) * atr
	if in.PosCtx.MFE < activation {
		return nil
	}

	p := in.Position
	var newSL float64
	if p.Side == types.SideLong {
		newSL = p.EntryPrice + (in.PosCtx.MFE - trail)
		if p.StopLoss != 0 && newSL <= p.StopLoss+in.TickSize {
			return nil
		}
	} else {
		newSL = p.EntryPrice - (in.PosCtx.MFE - trail)
		if p.StopLoss != 0 && newSL >= p.StopLoss-in.TickSize {
			return nil
		}
	}
	d := decide(in, s.ID(), s.base, types.ExitModify,
		fmt.Sprintf("trailing sl to %.5f (mfe %.5f)", newSL, in.PosCtx.MFE))
	d.StopLoss = newSL
	d.TakeProfit = p.TakeProfit
	return d
}

// sessionClose flattens ahead of the market close window.
type sessionClose struct {
	base float64
}

func (s *sessionClose) ID() string            { return "session_close" }
func (s *sessionClose) BasePriority() float64 { return s.base }

func (s *sessionClose) Evaluate(in Input) *types.ExitDecision {
	if in.Market.NearMarketClose {
		return decide(in, s.ID(), s.base, types.ExitCloseFull, "near market close")
	}
	return nil
}

// profitTarget closes once the favorable excursion reaches the
// configured R multiple of initial risk.
type profitTarget struct {
	base   float64
	params Params
}

func (s *profitTarget) ID() string            { return "profit_target" }
func (s *profitTarget) BasePriority() float64 { return s.base }

func (s *profitTarget) Evaluate(in Input) *types.ExitDecision {
	risk := riskDistance(in.Position)
	if risk <= 0 {
		return nil
	}
	targetR := s.params.get("target_r", 2.0)
	if in.PosCtx.MFE >= targetR*risk {
		return decide(in, s.ID(), s.base, types.ExitCloseFull,
			fmt.Sprintf("mfe %.5f reached %.1fR", in.PosCtx.MFE, targetR))
	}
	return nil
}

// takeProfit closes when price breaches the TP level.
type takeProfit struct {
	base float64
}

func (s *takeProfit) ID() string            { return "take_profit" }
func (s *takeProfit) BasePriority() float64 { return s.base }

func (s *takeProfit) Evaluate(in Input) *types.ExitDecision {
	p := in.Position
	if p.TakeProfit == 0 {
		return nil
	}
	breached := (p.Side == types.SideLong && p.CurrentPrice >= p.TakeProfit) ||
		(p.Side == types.SideShort && p.CurrentPrice <= p.TakeProfit)
	if breached {
		return decide(in, s.ID(), s.base, types.ExitCloseFull,
			fmt.Sprintf("price %.5f breached tp %.5f", p.CurrentPrice, p.TakeProfit))
	}
	return nil
}

// confluenceExit closes when enough independent indicators agree on a
// reversal against the position.
type confluenceExit struct {
	base   float64
	params Params
}

func (s *confluenceExit) ID() string            { return "confluence_exit" }
func (s *confluenceExit) BasePriority() float64 { return s.base }

func (s *confluenceExit) Evaluate(in Input) *types.ExitDecision {
	minAgree := int(s.params.get("min_agreeing", 2))
	long := in.Position.Side == types.SideLong
	agree := 0

	// RSI at the extreme against the position.
	rsi := in.Snapshot.Scalar("rsi")
	if !math.IsNaN(rsi) && ((long && rsi >= s.params.get("rsi_overbought", 70)) ||
		(!long && rsi <= s.params.get("rsi_oversold", 30))) {
		agree++
	}
	// MACD histogram flipped against the position.
	hist := in.Snapshot.Component("macd", "hist")
	histPrev := in.Snapshot.Component("macd", "hist_prev")
	if !math.IsNaN(hist) && !math.IsNaN(histPrev) &&
		((long && histPrev >= 0 && hist < 0) || (!long && histPrev <= 0 && hist > 0)) {
		agree++
	}
	// Price stretched past the opposite Bollinger band.
	upper := in.Snapshot.Component("bollinger", "upper")
	lower := in.Snapshot.Component("bollinger", "lower")
	price := in.Position.CurrentPrice
	if !math.IsNaN(upper) && !math.IsNaN(lower) &&
		((long && price >= upper) || (!long && price <= lower)) {
		agree++
	}

	if agree >= minAgree {
		return decide(in, s.ID(), s.base, types.ExitCloseFull,
			fmt.Sprintf("%d indicators agree on reversal", agree))
	}
	return nil
}

// timeBased closes positions held past the maximum hold time.
type timeBased struct {
	base   float64
	params Params
}

func (s *timeBased) ID() string            { return "time_based" }
func (s *timeBased) BasePriority() float64 { return s.base }

func (s *timeBased) Evaluate(in Input) *types.ExitDecision {
	maxHold := time.Duration(s.params.get("max_hold_minutes", 480)) * time.Minute
	if in.PosCtx.HoldingTime >= maxHold {
		return decide(in, s.ID(), s.base, types.ExitCloseFull,
			fmt.Sprintf("held %s, max %s", in.PosCtx.HoldingTime.Round(time.Minute), maxHold))
	}
	return nil
}

// breakEven moves the stop to entry once half the target is reached.
// Once the stop sits at or beyond entry, it stays silent.
type breakEven struct {
	base   float64
	params Params
}

func (s *breakEven) ID() string            { return "break_even" }
func (s *breakEven) BasePriority() float64 { return s.base }

func (s *breakEven) Evaluate(in Input) *types.ExitDecision {
	target := targetDistance(in.Position)
	if target <= 0 {
		return nil
	}
	trigger := s.params.get("trigger_fraction", 0.5) * target

	p := in.Position
	var progressed float64
	if p.Side == types.SideLong {
		progressed = p.CurrentPrice - p.EntryPrice
		if p.StopLoss != 0 && p.StopLoss >= p.EntryPrice {
			return nil
		}
	} else {
		progressed = p.EntryPrice - p.CurrentPrice
		if p.StopLoss != 0 && p.StopLoss <= p.EntryPrice {
			return nil
		}
	}
	if progressed < trigger {
		return nil
	}
	d := decide(in, s.ID(), s.base, types.ExitModify,
		fmt.Sprintf("break-even at %.0f%% of target", 100*s.params.get("trigger_fraction", 0.5)))
	d.StopLoss = p.EntryPrice
	d.TakeProfit = p.TakeProfit
	return d
}

// NewBuiltin instantiates a built-in exit strategy by id with the given
// base priority and parameters.
func NewBuiltin(id string, priority float64, params Params) (Strategy, error) {
	switch id {
	case "survival_mode":
		return &survivalMode{base: priority, params: params}, nil
	case "micro_protection":
		return &microProtection{base: priority, params: params}, nil
	case "stop_loss":
		return &stopLoss{base: priority}, nil
	case "adverse_movement":
		return &adverseMovement{base: priority, params: params}, nil
	case "trailing_stop":
		return &trailingStop{base: priority, params: params}, nil
	case "session_close":
		return &sessionClose{base: priority}, nil
	case "profit_target":
		return &profitTarget{base: priority, params: params}, nil
	case "take_profit":
		return &takeProfit{base: priority}, nil
	case "confluence_exit":
		return &confluenceExit{base: priority, params: params}, nil
	case "time_based":
		return &timeBased{base: priority, params: params}, nil
	case "break_even":
		return &breakEven{base: priority, params: params}, nil
	}
	return nil, fmt.Errorf("unknown exit strategy %q", id)
}
