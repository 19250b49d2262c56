// Package broker is the HTTP client for the MT5 bridge.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cthulu-trading/cthulu/pkg/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config configures the bridge client.
type Config struct {
	Host          string
	Port          int
	Token         string
	Timeout       time.Duration // per call
	MaxRetries    int           // extra attempts for transient failures
	DegradedAfter int           // consecutive health failures before Degraded
}

// DefaultConfig returns production defaults for a loopback bridge.
func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          8787,
		Timeout:       5 * time.Second,
		MaxRetries:    3,
		DegradedAfter: 3,
	}
}

// Client speaks the bridge JSON protocol. All calls honor the per-call
// timeout and retry transient failures with capped exponential backoff
// behind a circuit breaker.
type Client struct {
	logger  *zap.Logger
	config  Config
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker

	mu             sync.Mutex
	healthFailures int
	closed         bool
}

// NewClient creates a bridge client.
func NewClient(logger *zap.Logger, config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.DegradedAfter <= 0 {
		config.DegradedAfter = 3
	}
	settings := gobreaker.Settings{
		Name:    "mt5-bridge",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		logger:  logger.Named("broker"),
		config:  config,
		baseURL: fmt.Sprintf("http://%s:%d", config.Host, config.Port),
		http:    &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Close releases the client. Must be called exactly once; subsequent
// calls are no-ops and subsequent requests fail with ErrClientClosed.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.http.CloseIdleConnections()
	c.logger.Info("bridge client closed")
}

// Degraded reports whether the bridge has failed its health probe for
// at least DegradedAfter consecutive cycles.
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthFailures >= c.config.DegradedAfter
}

// Health probes the bridge. Failures are counted toward degraded state;
// a success resets the count.
func (c *Client) Health(ctx context.Context) (types.HealthStatus, error) {
	var out types.HealthStatus
	start := time.Now()
	err := c.call(ctx, "health", http.MethodGet, "/health", nil, nil, &out)
	c.mu.Lock()
	if err != nil || !out.OK {
		c.healthFailures++
	} else {
		c.healthFailures = 0
	}
	c.mu.Unlock()
	if err != nil {
		return types.HealthStatus{}, err
	}
	if out.LatencyMS == 0 {
		out.LatencyMS = time.Since(start).Milliseconds()
	}
	return out, nil
}

// AccountInfo fetches the account snapshot.
func (c *Client) AccountInfo(ctx context.Context) (types.Account, error) {
	var out types.Account
	err := c.call(ctx, "account", http.MethodGet, "/account", nil, nil, &out)
	return out, err
}

// SymbolInfo fetches trading metadata for symbol.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	var out types.SymbolInfo
	q := url.Values{"s": {symbol}}
	err := c.call(ctx, "symbol", http.MethodGet, "/symbol", q, nil, &out)
	if err == nil {
		out.Symbol = symbol
	}
	return out, err
}

// wireBar tolerates unix-second and string timestamps from the bridge.
type wireBar struct {
	Time   json.RawMessage `json:"time"`
	Open   float64         `json:"open"`
	High   float64         `json:"high"`
	Low    float64         `json:"low"`
	Close  float64         `json:"close"`
	Volume float64         `json:"volume"`
}

// Rates fetches count closed bars for (symbol, timeframe), oldest first.
func (c *Client) Rates(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.Series, error) {
	var raw []wireBar
	q := url.Values{
		"s":  {symbol},
		"tf": {string(tf)},
		"n":  {strconv.Itoa(count)},
	}
	if err := c.call(ctx, "rates", http.MethodGet, "/rates", q, nil, &raw); err != nil {
		return types.Series{}, err
	}
	series := types.Series{Symbol: symbol, Timeframe: tf, Bars: make([]types.Bar, 0, len(raw))}
	for _, w := range raw {
		t, err := parseBridgeTime(w.Time)
		if err != nil {
			return types.Series{}, &PermanentError{Op: "rates", Err: fmt.Errorf("bad bar time %s: %w", w.Time, err)}
		}
		series.Bars = append(series.Bars, types.Bar{
			Time: t, Open: w.Open, High: w.High, Low: w.Low, Close: w.Close, Volume: w.Volume,
		})
	}
	return series, nil
}

// wirePosition is the bridge's view of a position; engine-only fields
// are filled by the tracker.
type wirePosition struct {
	Ticket     int64           `json:"ticket"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Lot        float64         `json:"lot"`
	EntryPrice float64         `json:"entry_price"`
	EntryTime  json.RawMessage `json:"entry_time"`
	StopLoss   float64         `json:"sl"`
	TakeProfit float64         `json:"tp"`
	Price      float64         `json:"price"`
	PnL        float64         `json:"pnl"`
	Magic      int64           `json:"magic"`
}

// OpenPositions fetches open positions, optionally filtered by magic
// number (magic > 0).
func (c *Client) OpenPositions(ctx context.Context, magic int64) ([]types.Position, error) {
	var raw []wirePosition
	q := url.Values{}
	if magic > 0 {
		q.Set("magic", strconv.FormatInt(magic, 10))
	}
	if err := c.call(ctx, "positions", http.MethodGet, "/positions", q, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(raw))
	for _, w := range raw {
		t, err := parseBridgeTime(w.EntryTime)
		if err != nil {
			return nil, &PermanentError{Op: "positions", Err: fmt.Errorf("ticket %d: bad entry time: %w", w.Ticket, err)}
		}
		out = append(out, types.Position{
			Ticket:        w.Ticket,
			Symbol:        w.Symbol,
			Side:          parseSide(w.Side),
			Lot:           w.Lot,
			EntryPrice:    w.EntryPrice,
			EntryTime:     t,
			StopLoss:      w.StopLoss,
			TakeProfit:    w.TakeProfit,
			CurrentPrice:  w.Price,
			UnrealizedPnL: w.PnL,
			Magic:         w.Magic,
		})
	}
	return out, nil
}

// OrderRequest is a market order submission.
type OrderRequest struct {
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	Lot        float64    `json:"lot"`
	StopLoss   float64    `json:"sl,omitempty"`
	TakeProfit float64    `json:"tp,omitempty"`
	Magic      int64      `json:"magic"`
	Comment    string     `json:"comment,omitempty"`
}

// PlaceOrder submits a market order and returns the fill.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (types.OrderResult, error) {
	var out types.OrderResult
	err := c.call(ctx, "order", http.MethodPost, "/order", nil, req, &out)
	return out, err
}

// ModifyPosition updates SL/TP on an open position. A bridge rejection
// with the stops_too_close code surfaces as ErrStopsTooClose.
func (c *Client) ModifyPosition(ctx context.Context, ticket int64, sl, tp float64) error {
	body := map[string]any{"ticket": ticket, "sl": sl, "tp": tp}
	return c.call(ctx, "modify", http.MethodPost, "/modify", nil, body, nil)
}

// ClosePosition closes a position, fully when lot is zero, otherwise
// partially by lot.
func (c *Client) ClosePosition(ctx context.Context, ticket int64, lot float64) (types.CloseResult, error) {
	body := map[string]any{"ticket": ticket}
	if lot > 0 {
		body["lot"] = lot
	}
	var out types.CloseResult
	err := c.call(ctx, "close", http.MethodPost, "/close", nil, body, &out)
	return out, err
}

// bridgeError is the bridge's JSON error envelope.
type bridgeError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// call performs one logical request with retries for transient failures.
// Backoff doubles from 250ms and is capped by the remaining context.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying bridge call",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return &TransientError{Op: op, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := c.once(ctx, op, method, path, query, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}
	}
	return lastErr
}

// once performs a single HTTP round trip through the breaker.
func (c *Client) once(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &PermanentError{Op: op, Err: fmt.Errorf("encoding request: %w", err)}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(callCtx, method, u, reqBody)
	if err != nil {
		return &PermanentError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &TransientError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, &TransientError{Op: op, Err: err}
		}

		switch {
		case resp.StatusCode >= 500:
			return nil, &TransientError{Op: op, Err: fmt.Errorf("bridge returned %d: %s", resp.StatusCode, data)}
		case resp.StatusCode >= 400:
			var be bridgeError
			_ = json.Unmarshal(data, &be)
			if be.Code == "stops_too_close" {
				return nil, fmt.Errorf("%s: %w", op, ErrStopsTooClose)
			}
			return nil, &PermanentError{Op: op, Code: be.Code, Err: fmt.Errorf("bridge returned %d: %s", resp.StatusCode, be.Error)}
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &TransientError{Op: op, Err: err}
		}
		return err
	}

	if out != nil {
		if err := json.Unmarshal(result.([]byte), out); err != nil {
			return &PermanentError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return nil
}

// parseSide maps bridge side strings onto engine sides.
func parseSide(s string) types.Side {
	switch s {
	case "long", "buy":
		return types.SideLong
	default:
		return types.SideShort
	}
}

// parseBridgeTime accepts unix seconds, RFC3339, or the naive
// "2006-01-02 15:04:05" layout MT5 emits. Naive times are coerced to UTC.
func parseBridgeTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing time")
	}
	var unix float64
	if err := json.Unmarshal(raw, &unix); err == nil {
		return time.Unix(int64(unix), 0).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("unsupported time encoding: %s", raw)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
