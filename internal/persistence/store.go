// Package persistence provides the append-only trade database and the
// engine state snapshot.
package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cthulu-trading/cthulu/internal/risk"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SignalRecord is one row of the signals table.
type SignalRecord struct {
	ID         string    `json:"id"`
	TS         time.Time `json:"ts"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Confidence float64   `json:"confidence"`
	Strategy   string    `json:"strategy"`
	Accepted   bool      `json:"accepted"`
	Reason     string    `json:"reason,omitempty"`
}

// OrderRecord is one row of the orders table.
type OrderRecord struct {
	ID             string    `json:"id"`
	SignalID       string    `json:"signal_id,omitempty"`
	TSRequest      time.Time `json:"ts_request"`
	TSAck          time.Time `json:"ts_ack"`
	RequestPrice   float64   `json:"request_price"`
	ExecutionPrice float64   `json:"execution_price"`
	Lot            float64   `json:"lot"`
	Status         string    `json:"status"`
	LatencyMS      int64     `json:"latency_ms"`
	Slippage       float64   `json:"slippage"`
	Ticket         int64     `json:"ticket,omitempty"`
}

// TradeRecord is one row of the trades table, written at close.
type TradeRecord struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id,omitempty"`
	Ticket       int64     `json:"ticket"`
	EntryTS      time.Time `json:"entry_ts"`
	ExitTS       time.Time `json:"exit_ts"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	Lot          float64   `json:"lot"`
	PnL          float64   `json:"pnl"`
	MAE          float64   `json:"mae"`
	MFE          float64   `json:"mfe"`
	ExitStrategy string    `json:"exit_strategy,omitempty"`
}

// EngineSnapshot is the restart-survivable engine state, rewritten each
// cycle.
type EngineSnapshot struct {
	Time       time.Time          `json:"time"`
	Account    types.Account      `json:"account"`
	Positions  []types.Position   `json:"positions"`
	Risk       risk.StateSnapshot `json:"risk"`
	LastErrors []string           `json:"last_errors,omitempty"`
	Degraded   bool               `json:"degraded"`
}

// Store is the single-writer trade database: one JSONL file per table
// under the db directory, plus the snapshot file.
type Store struct {
	logger       *zap.Logger
	dir          string
	snapshotPath string

	mu     sync.Mutex
	tables map[string]*bufio.Writer
	files  map[string]*os.File
}

// NewStore opens (creating if needed) the trade database directory.
func NewStore(logger *zap.Logger, dir, snapshotPath string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: creating db dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o755); err != nil {
		return nil, fmt.Errorf("persistence: creating state dir: %w", err)
	}
	return &Store{
		logger:       logger.Named("persistence"),
		dir:          dir,
		snapshotPath: snapshotPath,
		tables:       make(map[string]*bufio.Writer),
		files:        make(map[string]*os.File),
	}, nil
}

// NewID returns a fresh row id.
func NewID() string { return uuid.NewString() }

func (s *Store) writer(table string) (*bufio.Writer, error) {
	if w, ok := s.tables[table]; ok {
		return w, nil
	}
	path := filepath.Join(s.dir, table+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persistence: opening table %s: %w", table, err)
	}
	w := bufio.NewWriter(f)
	s.files[table] = f
	s.tables[table] = w
	return w, nil
}

func (s *Store) append(table string, row any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.writer(table)
	if err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("persistence: encoding %s row: %w", table, err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return err
	}
	return w.Flush()
}

// AppendSignal records a signal funnel row.
func (s *Store) AppendSignal(r SignalRecord) error { return s.append("signals", r) }

// AppendOrder records an order row.
func (s *Store) AppendOrder(r OrderRecord) error { return s.append("orders", r) }

// AppendTrade records a completed trade row.
func (s *Store) AppendTrade(r TradeRecord) error { return s.append("trades", r) }

// SaveSnapshot rewrites the snapshot file atomically.
func (s *Store) SaveSnapshot(snap EngineSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: encoding snapshot: %w", err)
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

// LoadSnapshot reads the last snapshot. A missing file returns ok=false
// without error.
func (s *Store) LoadSnapshot() (EngineSnapshot, bool, error) {
	data, err := os.ReadFile(s.snapshotPath)
	if os.IsNotExist(err) {
		return EngineSnapshot{}, false, nil
	}
	if err != nil {
		return EngineSnapshot{}, false, err
	}
	var snap EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return EngineSnapshot{}, false, fmt.Errorf("persistence: decoding snapshot: %w", err)
	}
	return snap, true, nil
}

// Close flushes and closes every open table.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for table, w := range s.tables {
		if err := w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.files[table].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.tables = make(map[string]*bufio.Writer)
	s.files = make(map[string]*os.File)
	return firstErr
}
