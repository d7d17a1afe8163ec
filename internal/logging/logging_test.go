package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("debug", "text")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}
}

func TestWithActorID_And_ActorID(t *testing.T) {
	ctx := context.Background()

	if id := ActorID(ctx); id != "" {
		t.Errorf("Expected empty actor ID, got %q", id)
	}

	ctx = WithActorID(ctx, "usr_0123456789abcdef01234567")
	if id := ActorID(ctx); id != "usr_0123456789abcdef01234567" {
		t.Errorf("Expected actor ID preserved, got %q", id)
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()

	if FromContext(ctx) == nil {
		t.Fatal("Expected default logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_AnnotatesRequestAndActor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithActorID(ctx, "dlr_0123456789abcdef01234567")

	L(ctx).Info("shipment dispatched")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Failed to parse log line: %v", err)
	}
	if line["request_id"] != "req-456" {
		t.Errorf("Expected request_id annotation, got %v", line["request_id"])
	}
	if line["actor_id"] != "dlr_0123456789abcdef01234567" {
		t.Errorf("Expected actor_id annotation, got %v", line["actor_id"])
	}
}

func TestL_WithoutAnnotations(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))
	if L(ctx) == nil {
		t.Fatal("Expected non-nil logger from L()")
	}
}
