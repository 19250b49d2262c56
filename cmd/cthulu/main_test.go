package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cthulu-trading/cthulu/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedProber struct {
	calls   int
	failFor int // fail this many probes before answering
}

func (p *scriptedProber) Health(ctx context.Context) (types.HealthStatus, error) {
	p.calls++
	if p.calls <= p.failFor {
		return types.HealthStatus{}, errors.New("connection refused")
	}
	return types.HealthStatus{OK: true, LatencyMS: 2}, nil
}

func TestProbeBridgeRetriesThenSucceeds(t *testing.T) {
	p := &scriptedProber{failFor: 2}
	err := probeBridge(context.Background(), zap.NewNop(), p, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls)
}

func TestProbeBridgeExhaustsAttempts(t *testing.T) {
	p := &scriptedProber{failFor: 100}
	err := probeBridge(context.Background(), zap.NewNop(), p, 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, p.calls)
}

func TestProbeBridgeStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &scriptedProber{failFor: 100}
	err := probeBridge(ctx, zap.NewNop(), p, 5, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.calls, "cancellation must not wait out the delay")
}
