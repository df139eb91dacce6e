package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/itskum47/adpilot/control_plane/config"
)

func TestNewWritesServiceAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.Logging{Level: "warn", Service: "adpilot-test"}, &buf)

	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line at warn level, got %d: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["service"] != "adpilot-test" || entry["message"] != "kept" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.Logging{Level: "debug", Service: "svc"}, &buf)

	ctx := logger.WithContext(context.Background())
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithUserID(ctx, "user-9")

	l := FromContext(ctx)
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["request_id"] != "req-1" {
		t.Errorf("expected request_id req-1, got %v", entry["request_id"])
	}
	if entry["user_id"] != "user-9" {
		t.Errorf("expected user_id user-9, got %v", entry["user_id"])
	}
	if RequestID(ctx) != "req-1" {
		t.Errorf("RequestID mismatch")
	}
}

func TestFromContextWithoutLogger(t *testing.T) {
	// Must not panic.
	l := FromContext(context.Background())
	l.Info().Msg("nowhere")
}
