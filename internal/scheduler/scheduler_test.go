package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collectEvents(s *Scheduler, kind EventKind, n int, timeout time.Duration) []Event {
	deadline := time.After(timeout)
	var got []Event
	for len(got) < n {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				got = append(got, ev)
			}
		case <-deadline:
			return got
		}
	}
	return got
}

func TestSchedulerRunsImmediatelyAndOnInterval(t *testing.T) {
	var runs atomic.Int64
	s := New("plan", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, discardLogger())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	events := collectEvents(s, EventComplete, 3, 2*time.Second)
	require.Len(t, events, 3)
	assert.GreaterOrEqual(t, runs.Load(), int64(3))
	assert.Equal(t, "plan", events[0].Job)
}

func TestSchedulerEmitsErrorEvent(t *testing.T) {
	jobErr := errors.New("plan failed")
	s := New("plan", time.Hour, func(ctx context.Context) error {
		return jobErr
	}, discardLogger())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	events := collectEvents(s, EventError, 1, 2*time.Second)
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, jobErr)
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	var running atomic.Int64
	s := New("verify", 10*time.Millisecond, func(ctx context.Context) error {
		running.Add(1)
		defer running.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, discardLogger())

	require.NoError(t, s.Start(context.Background()))

	events := collectEvents(s, EventOverdue, 2, 2*time.Second)
	assert.GreaterOrEqual(t, len(events), 1)
	assert.Equal(t, int64(1), running.Load())

	close(release)
	s.Stop()
}

func TestSchedulerStopWaitsForInflightRun(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	s := New("plan", time.Hour, func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}, discardLogger())

	require.NoError(t, s.Start(context.Background()))
	<-started
	s.Stop()
	assert.True(t, finished.Load())
}

func TestSchedulerStopDoesNotCancelInflightRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ctxErr := make(chan error, 1)
	s := New("plan", time.Hour, func(ctx context.Context) error {
		close(started)
		<-release
		ctxErr <- ctx.Err()
		return nil
	}, discardLogger())

	require.NoError(t, s.Start(context.Background()))
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	// Let Stop cancel the loop and block on the in-flight run, then
	// release the run and expect it to finish uncanceled.
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the run finished")
	}
	require.NoError(t, <-ctxErr)
}

func TestSchedulerDoubleStartFails(t *testing.T) {
	s := New("plan", time.Hour, func(ctx context.Context) error { return nil }, discardLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
}
