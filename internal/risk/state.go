// Package risk implements pre-trade approval and position sizing.
package risk

import (
	"sync"
	"time"
)

// StateSnapshot is the serializable view of the risk state, persisted
// in the engine snapshot and restored on restart.
type StateSnapshot struct {
	DailyRealizedPnL   float64 `json:"daily_realized_pnl"`
	DailyTradeCount    int     `json:"daily_trade_count"`
	PeakEquity         float64 `json:"peak_equity"`
	CurrentDrawdownPct float64 `json:"current_drawdown_pct"`
	LastResetDate      string  `json:"last_reset_date_utc"` // YYYY-MM-DD
}

// State tracks daily counters and drawdown. Counters reset at the UTC
// day boundary; peak equity is monotone non-decreasing within a session.
type State struct {
	mu   sync.Mutex
	snap StateSnapshot
}

// NewState creates a fresh risk state.
func NewState() *State {
	return &State{}
}

// Restore loads a persisted snapshot, honoring the day boundary: stale
// daily counters are dropped, the equity peak survives.
func (s *State) Restore(snap StateSnapshot, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	if snap.LastResetDate != utcDate(now) {
		s.snap.DailyRealizedPnL = 0
		s.snap.DailyTradeCount = 0
		s.snap.LastResetDate = utcDate(now)
	}
}

// Observe updates drawdown from the latest equity and applies the UTC
// day reset.
func (s *State) Observe(equity float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if day := utcDate(now); day != s.snap.LastResetDate {
		s.snap.DailyRealizedPnL = 0
		s.snap.DailyTradeCount = 0
		s.snap.LastResetDate = day
	}
	if equity > s.snap.PeakEquity {
		s.snap.PeakEquity = equity
	}
	if s.snap.PeakEquity > 0 {
		s.snap.CurrentDrawdownPct = (s.snap.PeakEquity - equity) / s.snap.PeakEquity
	}
}

// RecordOpen counts a newly opened trade against the daily cap.
func (s *State) RecordOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.DailyTradeCount++
}

// RecordRealized adds realized pnl from a closed trade.
func (s *State) RecordRealized(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.DailyRealizedPnL += pnl
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
