package core

import (
	"context"
	"time"
)

// TelemetryEventType enumerates runner telemetry events.
type TelemetryEventType string

const (
	TelemetryRunStarted  TelemetryEventType = "run_started"
	TelemetryStep        TelemetryEventType = "step"
	TelemetryRunFinished TelemetryEventType = "run_finished"
)

// TelemetryEvent is a single record forwarded to a TelemetrySink.
type TelemetryEvent struct {
	Type    TelemetryEventType `json:"type"`
	RunID   string             `json:"run_id"`
	AgentID string             `json:"agent_id"`
	Status  RunStatus          `json:"status,omitempty"`
	Epoch   uint64             `json:"epoch,omitempty"`
	Entropy float64            `json:"entropy,omitempty"`
	Action  string             `json:"action,omitempty"`
	Error   string             `json:"error,omitempty"`
	At      time.Time          `json:"at"`
}

// TelemetrySink receives runner telemetry. Record must not block for long;
// errors are logged by the runner and never fail a run.
type TelemetrySink interface {
	Record(ctx context.Context, ev TelemetryEvent) error
}
