package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type recordingPublisher struct {
	topics []string
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, topic string, payload any) error {
	r.topics = append(r.topics, topic)
	return r.err
}

func (r *recordingPublisher) Close() error { return r.err }

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(TopicRuleExecuted, map[string]int{"matched_count": 2})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if ev.ID == "" || ev.Topic != TopicRuleExecuted || ev.Source != defaultSource {
		t.Fatalf("unexpected event: %+v", ev)
	}
	var payload map[string]int
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload["matched_count"] != 2 {
		t.Fatalf("payload round trip: %v %v", payload, err)
	}
}

func TestMultiFansOut(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{err: errors.New("down")}
	m := Multi(a, b)

	err := m.Publish(context.Background(), TopicAgentOnline, nil)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(a.topics) != 1 || len(b.topics) != 1 {
		t.Fatalf("both publishers should see the event: %v %v", a.topics, b.topics)
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf).Level(zerolog.DebugLevel))
	if err := p.Publish(context.Background(), TopicCommandQueued, map[string]string{"id": "cmd_1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"topic":"commands.queued"`) || !strings.Contains(out, `"id":"cmd_1"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}
