package observability

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the key/value logger used by the emitter and its sinks.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Sink receives records from the emitter's delivery goroutine.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, rec Record) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Deliver(ctx context.Context, rec Record) error { return s.Fn(ctx, rec) }

// DefaultBufferSize is used when NewEmitter gets a non-positive size.
const DefaultBufferSize = 1024

// Emitter fans records out to sinks without ever blocking the producer.
//
// Emit enqueues into a bounded channel and returns immediately. When the queue
// is full the record is dropped, logged and counted. A single background
// goroutine delivers records to every sink in registration order; sink
// errors and panics are logged and counted, never returned.
type Emitter struct {
	logger   Logger
	queue    chan Record
	timeout  time.Duration
	pending  atomic.Int64
	dropped  atomic.Int64
	done     chan struct{}
	started  atomic.Bool
	closed   bool
	closeMu  sync.RWMutex
	sinkMu   sync.RWMutex
	sinks    []Sink
	stopOnce sync.Once
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithSinkTimeout bounds each sink delivery.
func WithSinkTimeout(d time.Duration) EmitterOption {
	return func(e *Emitter) { e.timeout = d }
}

// NewEmitter creates an emitter. Call Start to begin delivery.
func NewEmitter(logger Logger, bufferSize int, opts ...EmitterOption) *Emitter {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	e := &Emitter{
		logger:  logger,
		queue:   make(chan Record, bufferSize),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddSink registers a sink. Safe to call while running.
func (e *Emitter) AddSink(s Sink) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Start launches the delivery goroutine. Subsequent calls are no-ops.
func (e *Emitter) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run()
}

// Emit enqueues a record. It never blocks and never fails.
func (e *Emitter) Emit(rec Record) {
	if e == nil {
		return
	}
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return
	}
	e.pending.Add(1)
	select {
	case e.queue <- rec:
		eventsEmittedTotal.WithLabelValues(string(rec.EntityType), string(rec.Severity)).Inc()
	default:
		e.pending.Add(-1)
		e.dropped.Add(1)
		eventsDroppedTotal.Inc()
		if e.logger != nil {
			e.logger.Warn("event_dropped",
				"event_type", rec.EventType,
				"entity_id", rec.EntityID,
				"queue_capacity", cap(e.queue),
			)
		}
	}
}

// Dropped returns the number of records dropped since creation.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Pending returns the number of records not yet delivered.
func (e *Emitter) Pending() int64 {
	return e.pending.Load()
}

// Flush waits until every accepted record has been delivered.
func (e *Emitter) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for e.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush: %d records pending: %w", e.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting records, drains the queue and stops delivery.
func (e *Emitter) Close(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.closeMu.Lock()
		e.closed = true
		close(e.queue)
		e.closeMu.Unlock()
	})
	if !e.started.Load() {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close emitter: %w", ctx.Err())
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for rec := range e.queue {
		e.deliver(rec)
		e.pending.Add(-1)
	}
}

func (e *Emitter) deliver(rec Record) {
	e.sinkMu.RLock()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.sinkMu.RUnlock()

	for _, s := range sinks {
		if err := e.deliverOne(s, rec); err != nil {
			sinkFailuresTotal.WithLabelValues(s.Name()).Inc()
			if e.logger != nil {
				e.logger.Warn("event_delivery_failed",
					"sink", s.Name(),
					"event_type", rec.EventType,
					"entity_id", rec.EntityID,
					"error", err.Error(),
				)
			}
		}
	}
}

func (e *Emitter) deliverOne(s Sink, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e.logger != nil {
				e.logger.Error("sink_panic_recovered",
					"sink", s.Name(),
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
			err = fmt.Errorf("panic in sink %s: %v", s.Name(), r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	return s.Deliver(ctx, rec)
}

// =============================================================================
// Built-in sinks
// =============================================================================

// LogSink writes every record to a logger. Alerts are logged at warn level.
type LogSink struct {
	logger Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, rec Record) error {
	kv := []any{
		"event_id", rec.ID,
		"entity_type", string(rec.EntityType),
		"entity_id", rec.EntityID,
		"event_type", rec.EventType,
		"severity", string(rec.Severity),
	}
	if rec.IsAlert() {
		s.logger.Warn("handoff_alert", kv...)
		return nil
	}
	s.logger.Info("handoff_event", kv...)
	return nil
}

// MemorySink retains delivered records in order.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Deliver(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of the delivered records.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Since returns records with an index >= offset, for paging.
func (s *MemorySink) Since(offset int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= len(s.records) {
		return nil
	}
	if offset < 0 {
		offset = 0
	}
	return append([]Record(nil), s.records[offset:]...)
}
