package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/primemesh/core"
	"github.com/hupe1980/primemesh/internal/testutil"
)

func TestMemorySink(t *testing.T) {
	s := NewMemorySink(2)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, core.TelemetryEvent{Type: core.TelemetryRunStarted, RunID: "r1"}))
	require.NoError(t, s.Record(ctx, core.TelemetryEvent{Type: core.TelemetryStep, RunID: "r1", Epoch: 1}))
	require.NoError(t, s.Record(ctx, core.TelemetryEvent{Type: core.TelemetryStep, RunID: "r2", Epoch: 1}))

	events := s.Events()
	require.Len(t, events, 2)
	assert.Equal(t, core.TelemetryStep, events[0].Type)
	assert.Equal(t, "r2", events[1].RunID)
	assert.Len(t, s.ForRun("r1"), 1)
}

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, core.TelemetryEvent) error { return f.err }

func TestMultiSink(t *testing.T) {
	mem := NewMemorySink(0)
	boom := errors.New("boom")
	m := MultiSink{mem, nil, failingSink{err: boom}, NoOpSink{}}

	err := m.Record(context.Background(), core.TelemetryEvent{RunID: "r1"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, mem.Events(), 1)
}

func TestPayload(t *testing.T) {
	step := Payload(core.TelemetryEvent{
		Type:    core.TelemetryStep,
		RunID:   "r1",
		AgentID: "a1",
		Status:  core.RunRunning,
		Epoch:   7,
		Entropy: 0.25,
		Action:  "explore",
		At:      testutil.FixedTime,
	})
	assert.Equal(t, "step", step["type"])
	assert.Equal(t, "7", step["epoch"])
	assert.Equal(t, "0.25", step["entropy"])
	assert.Equal(t, "explore", step["action"])
	assert.Equal(t, "2025-01-02T03:04:05Z", step["at"])
	assert.NotContains(t, step, "error")

	finished := Payload(core.TelemetryEvent{Type: core.TelemetryRunFinished, RunID: "r1", Status: core.RunFailed, Error: "boom"})
	assert.Equal(t, "failed", finished["status"])
	assert.Equal(t, "boom", finished["error"])
	assert.NotContains(t, finished, "epoch")
}

func TestRedisStreamSink_Options(t *testing.T) {
	rdb, err := NewRedisClient("redis://127.0.0.1:6379/0")
	require.NoError(t, err)
	defer rdb.Close()

	s := NewRedisStreamSink(rdb)
	assert.Equal(t, DefaultStream, s.Stream())

	s = NewRedisStreamSink(rdb, func(o *RedisStreamOptions) { o.Stream = "custom" })
	assert.Equal(t, "custom", s.Stream())

	_, err = NewRedisClient("not a url")
	assert.Error(t, err)
}

func TestRedisStreamSink_UnreachableServer(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	s := NewRedisStreamSink(rdb, func(o *RedisStreamOptions) { o.Timeout = 500 * time.Millisecond })
	err := s.Record(context.Background(), core.TelemetryEvent{Type: core.TelemetryRunStarted, RunID: "r1"})
	assert.Error(t, err)
}
