// Package checkpoint persists a down-sampled copy of the realtime stream.
//
// The hub hands events to a Writer from its event loop. Telemetry is throttled
// to one sample per interval across the whole process; potholes are always
// kept. Accepted events go onto an unbounded queue that a single worker drains
// into every configured Sink. Sink failures are logged and counted and never
// reach the peers; a circuit breaker per sink skips writes while a sink keeps
// failing.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pathhole/internal/metrics"
	"pathhole/internal/model"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	kindTelemetry = "telemetry"
	kindPothole   = "pothole"
)

// Sink is a destination for checkpointed events.
type Sink interface {
	SaveTelemetry(ctx context.Context, s model.TelemetrySample) error
	SavePothole(ctx context.Context, p model.PotholeEvent) error
}

type target struct {
	name    string
	sink    Sink
	breaker *gobreaker.CircuitBreaker
}

// Writer accepts events without blocking and writes them in the background.
type Writer struct {
	cfg     model.CheckpointConfig
	logger  *zap.Logger
	metrics *metrics.Recorder
	limiter *rate.Limiter
	queue   *queue
	targets []target
	pending atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	finished  chan struct{}
}

// NewWriter creates a writer; add sinks with AddSink before Start.
func NewWriter(cfg model.CheckpointConfig, logger *zap.Logger, rec *metrics.Recorder) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		cfg:      cfg,
		logger:   logger.Named("checkpoint"),
		metrics:  rec,
		limiter:  rate.NewLimiter(rate.Every(cfg.TelemetryInterval), 1),
		queue:    newQueue(),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// AddSink registers a destination guarded by its own circuit breaker.
func (w *Writer) AddSink(name string, s Sink) {
	failures := w.cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     w.cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("sink breaker state changed",
				zap.String("sink", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	w.targets = append(w.targets, target{name: name, sink: s, breaker: cb})
}

// Telemetry checkpoints a sample when the throttle allows it at now. It
// reports whether the sample was queued.
func (w *Writer) Telemetry(now time.Time, t model.Telemetry, routeID string) bool {
	if w.queue.isClosed() {
		w.metrics.Checkpoint(kindTelemetry, "dropped")
		return false
	}
	if !w.limiter.AllowN(now, 1) {
		w.metrics.Checkpoint(kindTelemetry, "throttled")
		return false
	}
	s := model.TelemetrySample{
		ID:         uuid.NewString(),
		RouteID:    routeID,
		PosX:       t.PosX,
		PosY:       t.PosY,
		Heading:    t.Heading,
		SpeedLeft:  t.SpeedLeft,
		SpeedRight: t.SpeedRight,
		TS:         now.UnixMilli(),
	}
	return w.enqueue(job{telemetry: &s})
}

// Pothole checkpoints every pothole event.
func (w *Writer) Pothole(now time.Time, p model.Pothole, routeID string) bool {
	e := model.PotholeEvent{
		ID:       uuid.NewString(),
		RouteID:  routeID,
		PosX:     p.PosX,
		PosY:     p.PosY,
		Severity: p.Severity,
		Value:    p.Value,
		TS:       now.UnixMilli(),
	}
	return w.enqueue(job{pothole: &e})
}

// Pending is the number of queued writes not yet handed to every sink.
func (w *Writer) Pending() int { return int(w.pending.Load()) }

func (w *Writer) enqueue(j job) bool {
	if !w.queue.push(j) {
		w.metrics.Checkpoint(j.kind(), "dropped")
		return false
	}
	w.metrics.SetQueueDepth(int(w.pending.Add(1)))
	w.metrics.Checkpoint(j.kind(), "enqueued")
	return true
}

// Start launches the background worker.
func (w *Writer) Start() {
	w.startOnce.Do(func() { go w.run() })
}

// Stop refuses new events, flushes what is queued and waits for the worker
// until ctx expires.
func (w *Writer) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.queue.close()
		close(w.done)
	})
	w.Start() // a never-started writer still flushes
	select {
	case <-w.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.finished)
	for {
		select {
		case <-w.queue.notify:
			w.process(w.queue.take())
		case <-w.done:
			w.process(w.queue.take())
			return
		}
	}
}

func (w *Writer) process(jobs []job) {
	for _, j := range jobs {
		for _, t := range w.targets {
			w.write(t, j)
		}
		w.metrics.SetQueueDepth(int(w.pending.Add(-1)))
	}
}

func (w *Writer) write(t target, j job) {
	_, err := t.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout())
		defer cancel()
		if j.telemetry != nil {
			return nil, t.sink.SaveTelemetry(ctx, *j.telemetry)
		}
		return nil, t.sink.SavePothole(ctx, *j.pothole)
	})
	switch {
	case err == nil:
		w.metrics.Checkpoint(j.kind(), "written")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		w.metrics.Checkpoint(j.kind(), "skipped")
	default:
		w.metrics.Checkpoint(j.kind(), "failed")
		w.logger.Warn("checkpoint write failed",
			zap.String("sink", t.name),
			zap.String("kind", j.kind()),
			zap.Error(err))
	}
}

func (w *Writer) writeTimeout() time.Duration {
	if w.cfg.WriteTimeout > 0 {
		return w.cfg.WriteTimeout
	}
	return 5 * time.Second
}
