// Package worker runs the queue consumers and handles graceful drain.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/permanode/fulfillment/internal/metrics"
	"github.com/permanode/fulfillment/internal/queue"
)

// drainPollInterval is how often the host re-checks the in-flight count
// while draining.
const drainPollInterval = 50 * time.Millisecond

// Runner is a consumer loop that polls until its context is canceled.
// *queue.Consumer and *queue.BatchConsumer satisfy it.
type Runner interface {
	Run(ctx context.Context)
}

type entry struct {
	name   string
	count  int
	runner Runner
}

// Host owns the consumer goroutines and the in-flight message accounting
// the graceful drain relies on.
type Host struct {
	log      *slog.Logger
	entries  []entry
	wg       sync.WaitGroup
	inflight atomic.Int64
	running  atomic.Int64
}

// NewHost creates an empty host.
func NewHost(log *slog.Logger) *Host {
	return &Host{log: log.With(slog.String("component", "worker"))}
}

// Hooks returns the consumer hooks that keep the host's in-flight count.
// Every consumer the host runs must be built with these.
func (h *Host) Hooks() queue.Hooks {
	return queue.Hooks{
		OnReceived:  func() { h.inflight.Add(1) },
		OnProcessed: func() { h.inflight.Add(-1) },
		OnError:     func() { h.inflight.Add(-1) },
	}
}

// Add registers count instances of a consumer loop. Zero or negative counts
// register nothing, which is how a queue is disabled.
func (h *Host) Add(name string, count int, runner Runner) {
	if count <= 0 {
		h.log.Info("consumer disabled", slog.String("queue", name))
		return
	}
	h.entries = append(h.entries, entry{name: name, count: count, runner: runner})
}

// Run starts every registered consumer and blocks until ctx is canceled,
// then waits for the consumer loops to exit and the in-flight count to
// drain.
func (h *Host) Run(ctx context.Context) {
	for _, e := range h.entries {
		for i := 0; i < e.count; i++ {
			h.wg.Add(1)
			h.running.Add(1)
			metrics.RunningConsumers.Inc()
			go func(e entry) {
				defer func() {
					h.running.Add(-1)
					metrics.RunningConsumers.Dec()
					h.wg.Done()
				}()
				e.runner.Run(ctx)
			}(e)
		}
		h.log.Info("consumers started",
			slog.String("queue", e.name),
			slog.Int("count", e.count),
		)
	}

	<-ctx.Done()
	h.log.Info("draining consumers",
		slog.Int64("running", h.running.Load()),
		slog.Int64("inflight", h.inflight.Load()),
	)
	h.wg.Wait()
	h.awaitInflight()
	h.log.Info("consumers drained")
}

// awaitInflight waits for messages whose settling outlives the consumer
// loop.
func (h *Host) awaitInflight() {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for h.inflight.Load() > 0 {
		<-ticker.C
	}
}

// Inflight returns the number of messages currently being processed.
func (h *Host) Inflight() int64 {
	return h.inflight.Load()
}

// Running returns the number of live consumer goroutines.
func (h *Host) Running() int64 {
	return h.running.Load()
}

// NoopHandler acknowledges messages for queues whose processing lives in
// another service. The host still counts them so drain stays accurate.
func NoopHandler(name string, log *slog.Logger) queue.HandlerFunc {
	l := log.With(slog.String("queue", name))
	return func(ctx context.Context, msg queue.Message) error {
		l.Debug("forwarding message without local processing",
			slog.String("messageId", msg.ID))
		return nil
	}
}
