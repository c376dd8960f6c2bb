// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package telemetry carries structured pipeline events to a zap logger and
// records call metrics in a Prometheus registry. Emitting never blocks the
// caller: when the event buffer is full the event is dropped and counted.
//
// A nil *Sink and a nil *Metrics are valid and discard everything, so
// components can be constructed without telemetry in tests.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventKind names a pipeline event.
type EventKind string

const (
	EventTurnStarted    EventKind = "turn_started"
	EventTurnFinished   EventKind = "turn_finished"
	EventRetry          EventKind = "retry"
	EventMerge          EventKind = "merge"
	EventInsert         EventKind = "insert"
	EventCancellation   EventKind = "cancellation"
	EventWarning        EventKind = "warning"
	EventStageStarted   EventKind = "stage_started"
	EventStageFinished  EventKind = "stage_finished"
	EventSectionWritten EventKind = "section_written"
	EventSpeakerChosen  EventKind = "speaker_chosen"
)

// Event is one structured telemetry record.
type Event struct {
	Kind    EventKind
	Stage   string
	Subject string
	Fields  map[string]any
	Err     error
	At      time.Time
}

const defaultBuffer = 1024

// Sink forwards events to a zap logger from a single background goroutine.
type Sink struct {
	logger  *zap.Logger
	events  chan Event
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	mu      sync.RWMutex
}

// NewSink starts a sink with the given buffer size (0 selects 1024).
func NewSink(logger *zap.Logger, buffer int) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &Sink{
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.events {
		s.write(ev)
	}
}

func (s *Sink) write(ev Event) {
	fields := make([]zap.Field, 0, len(ev.Fields)+4)
	fields = append(fields, zap.String("event", string(ev.Kind)), zap.Time("at", ev.At))
	if ev.Stage != "" {
		fields = append(fields, zap.String("stage", ev.Stage))
	}
	if ev.Subject != "" {
		fields = append(fields, zap.String("subject", ev.Subject))
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch {
	case ev.Err != nil:
		fields = append(fields, zap.Error(ev.Err))
		s.logger.Warn("pipeline event", fields...)
	case ev.Kind == EventWarning || ev.Kind == EventCancellation:
		s.logger.Warn("pipeline event", fields...)
	default:
		s.logger.Debug("pipeline event", fields...)
	}
}

// Emit queues ev without blocking. Events emitted after Close are dropped.
func (s *Sink) Emit(ev Event) {
	if s == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Warn emits a warning event.
func (s *Sink) Warn(stage, subject, message string) {
	s.Emit(Event{Kind: EventWarning, Stage: stage, Subject: subject, Fields: map[string]any{"message": message}})
}

// Stage emits a stage_started event and returns a function that emits the
// matching stage_finished event with the elapsed time.
func (s *Sink) Stage(name string) func() time.Duration {
	start := time.Now()
	s.Emit(Event{Kind: EventStageStarted, Stage: name})
	return func() time.Duration {
		elapsed := time.Since(start)
		s.Emit(Event{Kind: EventStageFinished, Stage: name, Fields: map[string]any{"elapsed": elapsed}})
		return elapsed
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (s *Sink) Dropped() int64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Close stops accepting events, drains the buffer, and flushes the logger.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.events)
		s.mu.Unlock()
		<-s.done
		_ = s.logger.Sync()
	})
}
