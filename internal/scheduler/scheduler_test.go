package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmguard/internal/logging"
	"mdmguard/internal/metrics"
	"mdmguard/internal/model"
	"mdmguard/internal/pipeline"
)

type countingRunner struct {
	mu    sync.Mutex
	calls int
	err   error
	ran   chan struct{}
}

func (c *countingRunner) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	c.mu.Lock()
	c.calls++
	err := c.err
	c.mu.Unlock()
	select {
	case c.ran <- struct{}{}:
	default:
	}
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Record: model.RunRecord{ID: "r", Status: model.RunSucceeded}}, nil
}

func (c *countingRunner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRunOnStartThenTicks(t *testing.T) {
	runner := &countingRunner{ran: make(chan struct{}, 16)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(runner, 10*time.Millisecond, true, logging.Discard()).Start(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-runner.ran:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not run")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, runner.count(), 3)
}

func TestBusyTickIsCounted(t *testing.T) {
	runner := &countingRunner{err: pipeline.ErrRunInProgress, ran: make(chan struct{}, 1)}
	before := testutil.ToFloat64(metrics.SkippedTicks)
	s := New(runner, time.Minute, false, logging.Discard())
	s.tick(context.Background())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SkippedTicks))
}

func TestQuietOutcomesDoNotCountAsSkipped(t *testing.T) {
	for _, err := range []error{pipeline.ErrNoInput, errors.New("disk full")} {
		runner := &countingRunner{err: err, ran: make(chan struct{}, 1)}
		before := testutil.ToFloat64(metrics.SkippedTicks)
		New(runner, time.Minute, false, logging.Discard()).tick(context.Background())
		assert.Equal(t, before, testutil.ToFloat64(metrics.SkippedTicks))
		assert.Equal(t, 1, runner.count())
	}
}

func TestZeroIntervalReturns(t *testing.T) {
	runner := &countingRunner{ran: make(chan struct{}, 1)}
	New(runner, 0, true, logging.Discard()).Start(context.Background())
	require.Equal(t, 0, runner.count())
}

func TestNoInputLoggedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	runner := &countingRunner{err: pipeline.ErrNoInput, ran: make(chan struct{}, 1)}
	New(runner, time.Minute, false, logger).tick(context.Background())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "no new input", entry["msg"])
}
