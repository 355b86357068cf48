// Package telemetry provides sinks for runner telemetry events.
package telemetry

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/hupe1980/primemesh/core"
)

var (
	_ core.TelemetrySink = NoOpSink{}
	_ core.TelemetrySink = (*MemorySink)(nil)
	_ core.TelemetrySink = MultiSink(nil)
)

// NoOpSink discards every event.
type NoOpSink struct{}

// Record implements core.TelemetrySink.
func (NoOpSink) Record(context.Context, core.TelemetryEvent) error { return nil }

// MemorySink keeps the most recent events in memory. A zero Limit keeps
// everything.
type MemorySink struct {
	mu     sync.Mutex
	limit  int
	events []core.TelemetryEvent
}

// NewMemorySink creates a sink retaining at most limit events.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// Record implements core.TelemetrySink.
func (s *MemorySink) Record(_ context.Context, ev core.TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.limit > 0 && len(s.events) > s.limit {
		s.events = slices.Delete(s.events, 0, len(s.events)-s.limit)
	}
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (s *MemorySink) Events() []core.TelemetryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// ForRun returns the retained events of one run.
func (s *MemorySink) ForRun(runID string) []core.TelemetryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.TelemetryEvent
	for _, ev := range s.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []core.TelemetrySink

// Record implements core.TelemetrySink.
func (m MultiSink) Record(ctx context.Context, ev core.TelemetryEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
