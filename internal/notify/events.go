package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// EventType enumerates the fire-and-forget event stream.
type EventType string

const (
	EventOpportunityDetected EventType = "opportunity_detected"
	EventStrikeWon           EventType = "strike_won"
	EventStrikeLost          EventType = "strike_lost"
	EventStrikeFailed        EventType = "strike_failed"
	EventResourceEvicted     EventType = "resource_evicted"
)

// Event 封装一次引擎事件的上下文。
type Event struct {
	Type        EventType
	Fingerprint string
	WorkerID    string
	ResourceID  string
	Source      string
	Listing     string
	Category    string
	Price       decimal.Decimal
	Priority    int
	Reason      string
	At          time.Time
}

// Sink 定义事件输送接口。Publish 错误由调用方记录日志，绝不向上传播。
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// LogSink writes events to the structured log. Always available, used as the
// fallback when no channel is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink constructs a logging sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify_log").Logger()}
}

// Publish implements Sink.
func (s *LogSink) Publish(ctx context.Context, event Event) error {
	s.logger.Info().
		Str("event", string(event.Type)).
		Str("fingerprint", event.Fingerprint).
		Str("worker_id", event.WorkerID).
		Str("resource_id", event.ResourceID).
		Int("priority", event.Priority).
		Str("reason", event.Reason).
		Msg("engine event")
	return nil
}

// Fanout publishes to every configured sink and reports the first error.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(ctx context.Context, event Event) error {
	var first error
	for _, sink := range f {
		if err := sink.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (Fanout)(nil)
)
