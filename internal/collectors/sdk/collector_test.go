package sdk

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingCollector struct {
	runs atomic.Int32
	err  error
}

func (c *countingCollector) Collect(ctx context.Context) error {
	c.runs.Add(1)
	return c.err
}

func (c *countingCollector) Name() string            { return "counting" }
func (c *countingCollector) Interval() time.Duration { return 10 * time.Millisecond }

func TestRunPeriodic_RunsImmediatelyThenOnCadence(t *testing.T) {
	c := &countingCollector{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() { RunPeriodic(ctx, c, zap.NewNop()); close(done) }()

	deadline := time.After(2 * time.Second)
	for c.runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("runs = %d, want >= 3", c.runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestRunPeriodic_SurvivesFailures(t *testing.T) {
	c := &countingCollector{err: errors.New("sweep failed")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { RunPeriodic(ctx, c, zap.NewNop()); close(done) }()

	deadline := time.After(2 * time.Second)
	for c.runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("runs = %d, want loop to continue past failures", c.runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
