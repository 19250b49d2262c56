// Package main is the autonomous trading engine entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cthulu-trading/cthulu/internal/api"
	"github.com/cthulu-trading/cthulu/internal/broker"
	"github.com/cthulu-trading/cthulu/internal/config"
	"github.com/cthulu-trading/cthulu/internal/engine"
	"github.com/cthulu-trading/cthulu/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Exit codes. The watchdog path bypasses normal teardown on purpose: a
// hung cycle cannot be trusted to unwind cleanly.
const (
	exitOK         = 0
	exitRuntime    = 1
	exitConfig     = 2
	exitBrokerDown = 3
	exitWatchdog   = 4
)

// Startup probing of the bridge before the loop takes over.
const (
	startupProbeAttempts = 5
	startupProbeDelay    = 3 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.json", "Path to the JSON configuration")
	dryRun := flag.Bool("dry-run", false, "Evaluate everything, place no orders")
	skipSetup := flag.Bool("skip-setup", false, "Skip interactive setup prompts")
	noPrompt := flag.Bool("no-prompt", false, "Never prompt; assume config defaults (headless)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if !*skipSetup && !*noPrompt {
		if v, ok := promptYesNo("Close engine positions on shutdown? [y/N] "); ok {
			cfg.CloseOnExit = v
		}
	}

	logger, err := setupLogger(*logLevel, cfg.Paths.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	defer logger.Sync()

	if err := acquireLock(cfg.Paths.LockFile); err != nil {
		logger.Error("another instance is running", zap.Error(err))
		return exitRuntime
	}
	defer releaseLock(cfg.Paths.LockFile)

	client := broker.NewClient(logger, broker.Config{
		Host:          cfg.MT5.Host,
		Port:          cfg.MT5.Port,
		Token:         cfg.MT5.Token,
		Timeout:       time.Duration(cfg.MT5.TimeoutSeconds * float64(time.Second)),
		MaxRetries:    cfg.MT5.MaxRetries,
		DegradedAfter: cfg.MT5.DegradedAfter,
	})
	defer client.Close()

	if err := probeBridge(context.Background(), logger, client, startupProbeAttempts, startupProbeDelay); err != nil {
		logger.Error("bridge unreachable, giving up", zap.Error(err))
		return exitBrokerDown
	}

	// The watchdog bypasses the errgroup: by definition it fires only
	// when the loop is stuck and cooperative shutdown will not happen.
	var eng *engine.Engine
	eng, err = engine.New(logger, cfg, client, func() {
		if eng != nil {
			_ = eng.Store().Close()
		}
		releaseLock(cfg.Paths.LockFile)
		logger.Sync()
		os.Exit(exitWatchdog)
	})
	if err != nil {
		logger.Error("engine init failed", zap.Error(err))
		return exitRuntime
	}
	defer eng.Store().Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	server := api.NewServer(logger, cfg.API, eng, cancel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return eng.Collector().Run(gctx) })
	g.Go(func() error { return eng.Watchdog().Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("engine terminated with error", zap.Error(err))
		return exitRuntime
	}
	logger.Info("goodbye")
	return exitOK
}

// healthProber is the slice of the bridge client the startup probe
// needs.
type healthProber interface {
	Health(ctx context.Context) (types.HealthStatus, error)
}

// probeBridge verifies the bridge answers before the loop takes over.
// The engine tolerates a bridge that degrades later; one that was
// never reachable is a deployment problem worth failing fast on.
func probeBridge(ctx context.Context, logger *zap.Logger, b healthProber, attempts int, delay time.Duration) error {
	var err error
	for i := 1; i <= attempts; i++ {
		var h types.HealthStatus
		h, err = b.Health(ctx)
		if err == nil {
			logger.Info("bridge reachable", zap.Int64("latencyMS", h.LatencyMS))
			return nil
		}
		logger.Warn("bridge health probe failed",
			zap.Int("attempt", i),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if i < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("bridge unreachable after %d attempts: %w", attempts, err)
}

// promptYesNo asks a yes/no question on stdout and reads one line from
// stdin. ok is false when stdin is not a terminal, so headless runs fall
// through to the config value without hanging.
func promptYesNo(question string) (answer, ok bool) {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return false, false
	}
	fmt.Print(question)
	var line string
	fmt.Scanln(&line)
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, true
	default:
		return false, true
	}
}

// setupLogger builds a console core for stdout and a JSON core for the
// log file, both at the requested level.
func setupLogger(level, logFile string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(level); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stdout),
			zapLevel,
		),
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.Lock(f),
			zapLevel,
		))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
