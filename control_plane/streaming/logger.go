package streaming

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes events to the structured log. It is the fallback
// when no NATS URL is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{
		logger: logger.With().Str("component", "events").Logger(),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload any) error {
	event, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}
	p.logger.Debug().
		Str("event_id", event.ID).
		Str("topic", topic).
		RawJSON("payload", event.Payload).
		Msg("event published")
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
