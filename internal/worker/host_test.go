package worker

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permanode/fulfillment/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner simulates a consumer loop: it marks one message in flight,
// settles it after ctx cancels plus a short delay, then returns.
type fakeRunner struct {
	hooks    queue.Hooks
	settleIn time.Duration
	started  atomic.Bool
}

func (r *fakeRunner) Run(ctx context.Context) {
	r.started.Store(true)
	r.hooks.OnReceived()
	<-ctx.Done()
	time.Sleep(r.settleIn)
	r.hooks.OnProcessed()
}

func TestHostRunsRegisteredConsumers(t *testing.T) {
	host := NewHost(discardLogger())
	r1 := &fakeRunner{hooks: host.Hooks()}
	r2 := &fakeRunner{hooks: host.Hooks()}
	host.Add("one", 1, r1)
	host.Add("two", 1, r2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		host.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return r1.started.Load() && r2.started.Load() && host.Running() == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("host did not stop")
	}
	assert.Zero(t, host.Running())
	assert.Zero(t, host.Inflight())
}

func TestHostDrainWaitsForInflightWork(t *testing.T) {
	host := NewHost(discardLogger())
	runner := &fakeRunner{hooks: host.Hooks(), settleIn: 200 * time.Millisecond}
	host.Add("slow", 1, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		host.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return host.Inflight() == 1 },
		time.Second, 10*time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("host did not drain")
	}
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Zero(t, host.Inflight())
}

func TestHostSkipsZeroCountConsumers(t *testing.T) {
	host := NewHost(discardLogger())
	runner := &fakeRunner{hooks: host.Hooks()}
	host.Add("disabled", 0, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	host.Run(ctx)
	assert.False(t, runner.started.Load())
}

func TestNoopHandlerAcknowledges(t *testing.T) {
	handler := NoopHandler("optical-post", discardLogger())
	err := handler(context.Background(), queue.Message{ID: "m1", Body: []byte("{}")})
	require.NoError(t, err)
}
