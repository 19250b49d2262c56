// Package metrics collects engine time-series and exposes them as
// Prometheus metrics, an append-only CSV, and an atomically replaced
// textfile.
package metrics

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// Snapshot is one cycle's worth of engine state, produced by the engine
// and consumed by the isolated metrics worker.
type Snapshot struct {
	Time            time.Time `json:"time"`
	Balance         float64   `json:"balance"`
	Equity          float64   `json:"equity"`
	Margin          float64   `json:"margin"`
	FreeMargin      float64   `json:"free_margin"`
	DrawdownPct     float64   `json:"drawdown_pct"`
	DailyPnL        float64   `json:"daily_pnl"`
	DailyTrades     int       `json:"daily_trades"`
	OpenPositions   int       `json:"open_positions"`
	Phase           string    `json:"phase"`
	Tier            string    `json:"tier"`
	Degraded        bool      `json:"degraded"`
	CycleSeconds    float64   `json:"cycle_seconds"`
	BrokerLatencyMS int64     `json:"broker_latency_ms"`
	SpreadPips      float64   `json:"spread_pips"`
	ATR             float64   `json:"atr"`
	ADX             float64   `json:"adx"`
	RSI             float64   `json:"rsi"`
}

// Config configures the metrics outputs.
type Config struct {
	CSVPath        string
	PrometheusPath string
	Interval       time.Duration
	QueueSize      int
}

// Collector owns the Prometheus registry and the metrics worker. The
// engine never blocks on metrics I/O: snapshots go through a bounded
// queue with a drop-oldest policy.
type Collector struct {
	logger *zap.Logger
	config Config

	registry *prometheus.Registry

	cyclesTotal   prometheus.Counter
	ordersTotal   *prometheus.CounterVec
	signalsTotal  *prometheus.CounterVec
	exitsTotal    *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	balance       prometheus.Gauge
	equity        prometheus.Gauge
	freeMargin    prometheus.Gauge
	drawdown      prometheus.Gauge
	openPositions prometheus.Gauge
	cycleSeconds  prometheus.Gauge
	brokerLatency prometheus.Gauge

	mu      sync.Mutex
	queue   chan Snapshot
	dropped int64
}

// NewCollector creates the collector and registers all metrics.
func NewCollector(logger *zap.Logger, config Config) *Collector {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	c := &Collector{
		logger:   logger.Named("metrics"),
		config:   config,
		registry: prometheus.NewRegistry(),
		queue:    make(chan Snapshot, config.QueueSize),

		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cthulu_cycles_total", Help: "Trading cycles completed",
		}),
		ordersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cthulu_orders_total", Help: "Orders placed",
		}, []string{"side"}),
		signalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cthulu_signals_total", Help: "Signals by strategy and acceptance",
		}, []string{"strategy", "accepted"}),
		exitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cthulu_exits_total", Help: "Exit decisions applied by strategy",
		}, []string{"strategy"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cthulu_errors_total", Help: "Errors by kind",
		}, []string{"kind"}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cthulu_balance", Help: "Account balance",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cthulu_equity", Help: "Account equity",
		}),
		freeMargin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cthulu_free_margin", Help: "Free margin",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cthulu_drawdown_pct", Help: "Drawdown from peak equity",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cthulu_open_positions", Help: "Tracked open positions",
		}),
		cycleSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cthulu_cycle_seconds", Help: "Last cycle duration",
		}),
		brokerLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cthulu_broker_latency_ms", Help: "Last bridge health latency",
		}),
	}
	c.registry.MustRegister(
		c.cyclesTotal, c.ordersTotal, c.signalsTotal, c.exitsTotal, c.errorsTotal,
		c.balance, c.equity, c.freeMargin, c.drawdown, c.openPositions,
		c.cycleSeconds, c.brokerLatency,
	)
	return c
}

// Registry exposes the registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// IncCycle counts a completed cycle.
func (c *Collector) IncCycle() { c.cyclesTotal.Inc() }

// IncOrder counts a placed order.
func (c *Collector) IncOrder(side string) { c.ordersTotal.WithLabelValues(side).Inc() }

// IncSignal counts a strategy signal through the funnel.
func (c *Collector) IncSignal(strategy string, accepted bool) {
	c.signalsTotal.WithLabelValues(strategy, strconv.FormatBool(accepted)).Inc()
}

// IncExit counts an applied exit decision.
func (c *Collector) IncExit(strategy string) { c.exitsTotal.WithLabelValues(strategy).Inc() }

// IncError counts an error by kind.
func (c *Collector) IncError(kind string) { c.errorsTotal.WithLabelValues(kind).Inc() }

// Record queues a snapshot for the worker. When the queue is full the
// oldest snapshot is dropped; the engine never blocks here.
func (c *Collector) Record(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		select {
		case c.queue <- snap:
			return
		default:
			select {
			case <-c.queue:
				c.dropped++
			default:
			}
		}
	}
}

// Run consumes snapshots until ctx is done, then drains the queue and
// flushes the outputs.
func (c *Collector) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(c.config.CSVPath), 0o755); err != nil {
		return fmt.Errorf("metrics: creating csv dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.config.PrometheusPath), 0o755); err != nil {
		return fmt.Errorf("metrics: creating prom dir: %w", err)
	}

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	var latest *Snapshot
	for {
		select {
		case <-ctx.Done():
			c.drain(latest)
			return nil
		case snap := <-c.queue:
			latest = &snap
			c.updateGauges(snap)
		case <-ticker.C:
			if latest != nil {
				c.flush(*latest)
				latest = nil
			}
		}
	}
}

// drain writes everything still queued plus the last unflushed snapshot.
func (c *Collector) drain(latest *Snapshot) {
	for {
		select {
		case snap := <-c.queue:
			c.updateGauges(snap)
			latest = &snap
		default:
			if latest != nil {
				c.flush(*latest)
			}
			return
		}
	}
}

func (c *Collector) updateGauges(s Snapshot) {
	c.balance.Set(s.Balance)
	c.equity.Set(s.Equity)
	c.freeMargin.Set(s.FreeMargin)
	c.drawdown.Set(s.DrawdownPct)
	c.openPositions.Set(float64(s.OpenPositions))
	c.cycleSeconds.Set(s.CycleSeconds)
	c.brokerLatency.Set(float64(s.BrokerLatencyMS))
}

func (c *Collector) flush(s Snapshot) {
	if err := c.appendCSV(s); err != nil {
		c.logger.Error("csv append failed", zap.Error(err))
	}
	if err := c.writeTextfile(); err != nil {
		c.logger.Error("prom textfile write failed", zap.Error(err))
	}
}

// csvHeader is the stable, explicit column schema. Never reorder; only
// append.
var csvHeader = []string{
	"time", "balance", "equity", "margin", "free_margin", "drawdown_pct",
	"daily_pnl", "daily_trades", "open_positions", "phase", "tier",
	"degraded", "cycle_seconds", "broker_latency_ms", "spread_pips",
	"atr", "adx", "rsi",
}

func (c *Collector) appendCSV(s Snapshot) error {
	_, statErr := os.Stat(c.config.CSVPath)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(c.config.CSVPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	row := []string{
		s.Time.UTC().Format(time.RFC3339),
		formatFloat(s.Balance), formatFloat(s.Equity), formatFloat(s.Margin),
		formatFloat(s.FreeMargin), formatFloat(s.DrawdownPct),
		formatFloat(s.DailyPnL), strconv.Itoa(s.DailyTrades),
		strconv.Itoa(s.OpenPositions), s.Phase, s.Tier,
		strconv.FormatBool(s.Degraded), formatFloat(s.CycleSeconds),
		strconv.FormatInt(s.BrokerLatencyMS, 10), formatFloat(s.SpreadPips),
		formatFloat(s.ATR), formatFloat(s.ADX), formatFloat(s.RSI),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// writeTextfile renders the registry in exposition format and
// rename-replaces the target so readers never see a torn file.
func (c *Collector) writeTextfile() error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	tmp := c.config.PrometheusPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, c.config.PrometheusPath)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
