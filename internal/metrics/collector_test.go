package metrics_test

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cthulu-trading/cthulu/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCollector(t *testing.T) (*metrics.Collector, string) {
	t.Helper()
	dir := t.TempDir()
	c := metrics.NewCollector(zap.NewNop(), metrics.Config{
		CSVPath:        filepath.Join(dir, "metrics.csv"),
		PrometheusPath: filepath.Join(dir, "metrics.prom"),
		Interval:       10 * time.Millisecond,
		QueueSize:      4,
	})
	return c, dir
}

func snapshotAt(balance float64) metrics.Snapshot {
	return metrics.Snapshot{
		Time:    time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Balance: balance,
		Equity:  balance,
		Phase:   "mature",
		Tier:    "normal",
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	c, _ := newCollector(t)
	// Far more snapshots than the queue holds; Record must drop the
	// oldest instead of stalling the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			c.Record(snapshotAt(float64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}
}

func TestRunFlushesOutputs(t *testing.T) {
	c, dir := newCollector(t)
	c.IncCycle()
	c.IncOrder("long")
	c.IncSignal("trend_follow", true)
	c.Record(snapshotAt(10000))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "metrics.csv"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	f, err := os.Open(filepath.Join(dir, "metrics.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(rows), 2, "header plus at least one row")
	assert.Equal(t, "time", rows[0][0])
	assert.Equal(t, "10000", rows[1][1])

	prom, err := os.ReadFile(filepath.Join(dir, "metrics.prom"))
	require.NoError(t, err)
	text := string(prom)
	assert.Contains(t, text, "cthulu_cycles_total 1")
	assert.Contains(t, text, `cthulu_orders_total{side="long"} 1`)
	assert.Contains(t, text, "cthulu_balance 10000")
}

func TestRunDrainsQueueOnShutdown(t *testing.T) {
	c, dir := newCollector(t)
	c.Record(snapshotAt(1))
	c.Record(snapshotAt(2))

	// Context is already done: Run must still drain and flush.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))

	prom, err := os.ReadFile(filepath.Join(dir, "metrics.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "cthulu_balance 2", "latest snapshot wins")
}

func TestCSVHeaderWrittenOnce(t *testing.T) {
	c, dir := newCollector(t)
	c.Record(snapshotAt(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))

	c2 := metrics.NewCollector(zap.NewNop(), metrics.Config{
		CSVPath:        filepath.Join(dir, "metrics.csv"),
		PrometheusPath: filepath.Join(dir, "metrics.prom"),
		Interval:       10 * time.Millisecond,
	})
	c2.Record(snapshotAt(2))
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	require.NoError(t, c2.Run(ctx2))

	data, err := os.ReadFile(filepath.Join(dir, "metrics.csv"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "time,balance"),
		"append across restarts must not duplicate the header")
}
