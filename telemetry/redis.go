package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/primemesh/core"
)

// DefaultStream is the Redis stream telemetry is appended to.
const DefaultStream = "primemesh.telemetry"

var _ core.TelemetrySink = (*RedisStreamSink)(nil)

// RedisStreamOptions configures a RedisStreamSink.
type RedisStreamOptions struct {
	// Stream name. Defaults to DefaultStream.
	Stream string
	// MaxLen approximately caps the stream length. 0 disables trimming.
	MaxLen int64
	// Timeout bounds each XADD. Defaults to 2s.
	Timeout time.Duration
}

// RedisStreamSink appends telemetry events to a Redis stream with XADD.
type RedisStreamSink struct {
	rdb  redis.Cmdable
	opts RedisStreamOptions
}

// NewRedisStreamSink creates a sink writing through rdb.
func NewRedisStreamSink(rdb redis.Cmdable, optFns ...func(o *RedisStreamOptions)) *RedisStreamSink {
	opts := RedisStreamOptions{Stream: DefaultStream, Timeout: 2 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RedisStreamSink{rdb: rdb, opts: opts}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Stream returns the target stream name.
func (s *RedisStreamSink) Stream() string { return s.opts.Stream }

// Record implements core.TelemetrySink.
func (s *RedisStreamSink) Record(ctx context.Context, ev core.TelemetryEvent) error {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	args := &redis.XAddArgs{
		Stream: s.opts.Stream,
		Values: Payload(ev),
	}
	if s.opts.MaxLen > 0 {
		args.MaxLen = s.opts.MaxLen
		args.Approx = true
	}

	if _, err := s.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("telemetry xadd %s: %w", s.opts.Stream, err)
	}
	return nil
}

// Payload flattens an event into stream field values. Empty optional fields
// are omitted.
func Payload(ev core.TelemetryEvent) map[string]interface{} {
	p := map[string]interface{}{
		"type":     string(ev.Type),
		"run_id":   ev.RunID,
		"agent_id": ev.AgentID,
		"at":       ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Status != "" {
		p["status"] = string(ev.Status)
	}
	if ev.Type == core.TelemetryStep {
		p["epoch"] = strconv.FormatUint(ev.Epoch, 10)
		p["entropy"] = strconv.FormatFloat(ev.Entropy, 'g', -1, 64)
		p["action"] = ev.Action
	}
	if ev.Error != "" {
		p["error"] = ev.Error
	}
	return p
}
