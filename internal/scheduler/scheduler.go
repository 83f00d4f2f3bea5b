// Package scheduler runs named jobs on a fixed interval, skipping ticks
// while a previous run is still in flight.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/permanode/fulfillment/internal/metrics"
)

// JobFunc is one scheduled job execution.
type JobFunc func(ctx context.Context) error

// EventKind identifies a scheduler lifecycle event.
type EventKind int

const (
	EventStart EventKind = iota
	EventComplete
	EventError
	EventOverdue
)

// Event is emitted on the scheduler's events channel for each lifecycle
// transition of a run.
type Event struct {
	Kind     EventKind
	Job      string
	Duration time.Duration
	Err      error
}

// Scheduler ticks a single job at a fixed interval.
type Scheduler struct {
	name     string
	interval time.Duration
	job      JobFunc
	log      *slog.Logger

	events chan Event

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates a scheduler for one job.
func New(name string, interval time.Duration, job JobFunc, log *slog.Logger) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		job:      job,
		log:      log.With(slog.String("job", name)),
		events:   make(chan Event, 16),
	}
}

// Events returns the lifecycle event channel. Events are dropped when the
// channel is full so a slow listener cannot stall the scheduler.
func (s *Scheduler) Events() <-chan Event { return s.events }

// Start begins ticking. The first run fires immediately, then every
// interval. Start returns an error if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler %s already started", s.name)
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(runCtx)
	return nil
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var inFlight sync.Mutex

	// Stop halts ticking; a run already started finishes on a detached
	// context and Stop waits for it.
	jobCtx := context.WithoutCancel(ctx)

	run := func() {
		defer s.wg.Done()
		if !inFlight.TryLock() {
			metrics.JobOverdueTotal.WithLabelValues(s.name).Inc()
			s.log.Warn("previous run still in flight, skipping tick")
			s.emit(Event{Kind: EventOverdue, Job: s.name})
			return
		}
		defer inFlight.Unlock()

		s.emit(Event{Kind: EventStart, Job: s.name})
		start := time.Now()
		err := s.job(jobCtx)
		elapsed := time.Since(start)
		metrics.JobDurationSeconds.WithLabelValues(s.name).Observe(elapsed.Seconds())

		if err != nil {
			metrics.JobErrorsTotal.WithLabelValues(s.name).Inc()
			s.log.Error("job failed",
				slog.Duration("duration", elapsed),
				slog.String("error", err.Error()),
			)
			s.emit(Event{Kind: EventError, Job: s.name, Duration: elapsed, Err: err})
			return
		}
		s.log.Info("job complete", slog.Duration("duration", elapsed))
		s.emit(Event{Kind: EventComplete, Job: s.name, Duration: elapsed})
	}

	s.wg.Add(1)
	go run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wg.Add(1)
			go run()
		}
	}
}

func (s *Scheduler) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
