package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dadesina/omnirapeutic-sub000/generic"
	"github.com/dadesina/omnirapeutic-sub000/metrics"
)

// =============================================================================
// LOG SINK
// =============================================================================

type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Emit(_ context.Context, e Event) error {
	var ev *zerolog.Event
	switch e.Outcome {
	case generic.KindContention, generic.KindInfrastructure:
		ev = s.logger.Warn()
	default:
		ev = s.logger.Info()
	}
	ev = ev.
		Str("event_id", e.ID).
		Time("at", e.At).
		Str("operation", e.Operation).
		Str("outcome", string(e.Outcome)).
		Int64("units", int64(e.Units)).
		Int("attempts", e.Attempts)
	if e.AuthorizationID != "" {
		ev = ev.Str("authorization_id", string(e.AuthorizationID))
	}
	if e.BookingID != "" {
		ev = ev.Str("booking_id", string(e.BookingID))
	}
	if e.Available != nil {
		ev = ev.Int64("available", int64(*e.Available))
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}
	ev.Msg("ledger operation")
	return nil
}

// =============================================================================
// REDIS STREAM SINK
// =============================================================================

const DefaultStream = "ledger:audit"

// RedisStreamSink appends each event to a Redis stream with XADD.
type RedisStreamSink struct {
	client  redis.Cmdable
	stream  string
	maxLen  int64
	timeout time.Duration
}

// NewRedisStreamSink trims the stream to roughly maxLen entries; 0 disables trimming.
func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen, timeout: 2 * time.Second}
}

func (s *RedisStreamSink) Emit(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: streamValues(e),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

func streamValues(e Event) map[string]interface{} {
	v := map[string]interface{}{
		"event_id":         e.ID,
		"at":               e.At.Format(time.RFC3339Nano),
		"operation":        e.Operation,
		"authorization_id": string(e.AuthorizationID),
		"booking_id":       string(e.BookingID),
		"units":            strconv.FormatInt(int64(e.Units), 10),
		"outcome":          string(e.Outcome),
		"attempts":         strconv.Itoa(e.Attempts),
	}
	if e.Available != nil {
		v["available"] = strconv.FormatInt(int64(*e.Available), 10)
	}
	if e.Error != "" {
		v["error"] = e.Error
	}
	return v
}

// =============================================================================
// METRICS SINK
// =============================================================================

type MetricsSink struct {
	metrics *metrics.LedgerMetrics
}

func NewMetricsSink(m *metrics.LedgerMetrics) *MetricsSink {
	return &MetricsSink{metrics: m}
}

func (s *MetricsSink) Emit(_ context.Context, e Event) error {
	s.metrics.ObserveOutcome(e.Operation, string(e.Outcome), int64(e.Units))
	return nil
}
