package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Topics published by the control plane.
const (
	TopicAgentOnline        = "agents.online"
	TopicAgentOffline       = "agents.offline"
	TopicCommandQueued      = "commands.queued"
	TopicCommandCompleted   = "commands.completed"
	TopicRuleExecuted       = "rules.executed"
	TopicAutomatedCompleted = "automated.completed"
	TopicRetentionCompacted = "retention.compacted"

	defaultSource = "control-plane"
)

type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// NewEvent wraps payload in an Event with a fresh id.
func NewEvent(topic string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    defaultSource,
	}, nil
}

// Publisher emits domain events. Publishing is best effort: callers log a
// failure and carry on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}

// Multi fans every event out to each publisher.
func Multi(pubs ...Publisher) Publisher {
	return multi(pubs)
}

type multi []Publisher

func (m multi) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
