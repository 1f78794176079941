package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func newTestLogger(max int) (Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(max, NewJSONWriter(&buf)), &buf
}

func TestAuditLogger_LogSign(t *testing.T) {
	logger, _ := newTestLogger(100)

	logger.LogSign(SignRecord{
		ProviderID:   "batch-signer-1",
		ProviderType: "mock",
		KeyID:        "K1",
		Algorithm:    "MOCK-SHA256",
		DataHash:     "abcd",
		RequestID:    "req-1",
		Duration:     5 * time.Millisecond,
	})

	events := logger.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeSign {
		t.Fatalf("expected event type %s, got %s", EventTypeSign, event.EventType)
	}
	if event.ProviderID != "batch-signer-1" {
		t.Fatalf("expected provider batch-signer-1, got %s", event.ProviderID)
	}
	if event.KeyID != "K1" {
		t.Fatalf("expected key K1, got %s", event.KeyID)
	}
	if !event.Success {
		t.Fatal("expected success to be true")
	}
	if event.ID == "" {
		t.Fatal("expected event id to be assigned")
	}
	if event.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be assigned")
	}
}

func TestAuditLogger_LogSignError(t *testing.T) {
	logger, _ := newTestLogger(100)

	logger.LogSign(SignRecord{ProviderID: "kms", ProviderType: "aws-kms", Err: errors.New("ThrottlingException")})

	event := logger.Events()[0]
	if event.Success {
		t.Fatal("expected success to be false")
	}
	if event.Error != "ThrottlingException" {
		t.Fatalf("expected error ThrottlingException, got %s", event.Error)
	}
}

func TestAuditLogger_LifecycleEvents(t *testing.T) {
	logger, _ := newTestLogger(100)

	logger.LogProviderInit("local", "local-key", nil, time.Millisecond)
	logger.LogProviderReinit("local", "local-key", errors.New("bad key"))
	logger.LogConnectionCheck("kms", "aws-kms", false, "key is disabled", "req-2")

	events := logger.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].EventType != EventTypeProviderInit || !events[0].Success {
		t.Fatalf("unexpected init event: %+v", events[0])
	}
	if events[1].EventType != EventTypeProviderReinit || events[1].Error != "bad key" {
		t.Fatalf("unexpected reinit event: %+v", events[1])
	}
	if events[2].EventType != EventTypeConnectionCheck || events[2].Error != "key is disabled" || events[2].RequestID != "req-2" {
		t.Fatalf("unexpected connection event: %+v", events[2])
	}
	if events[0].ID == events[1].ID {
		t.Fatal("expected distinct event ids")
	}
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger, _ := newTestLogger(5)

	for i := 0; i < 10; i++ {
		logger.LogProviderInit("p", "mock", nil, time.Millisecond)
	}

	events := logger.Events()
	if len(events) != 5 {
		t.Fatalf("expected 5 events (max), got %d", len(events))
	}
}

func TestAuditLogger_EventsReturnsCopy(t *testing.T) {
	logger, _ := newTestLogger(10)
	logger.LogProviderInit("p", "mock", nil, 0)

	events := logger.Events()
	events[0] = nil

	if logger.Events()[0] == nil {
		t.Fatal("expected internal buffer to be unaffected")
	}
}

func TestJSONWriter(t *testing.T) {
	logger, buf := newTestLogger(10)
	logger.LogSign(SignRecord{ProviderID: "p", ProviderType: "mock", DataHash: "abcd"})

	line := strings.TrimSpace(buf.String())
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", line, err)
	}
	if decoded["event_type"] != "sign" {
		t.Fatalf("expected event_type sign, got %v", decoded["event_type"])
	}
	if decoded["data_hash"] != "abcd" {
		t.Fatalf("expected data_hash abcd, got %v", decoded["data_hash"])
	}
}

func TestLogrusWriter(t *testing.T) {
	base, hook := logtest.NewNullLogger()
	logger := NewLogger(10, NewLogrusWriter(base))

	logger.LogSign(SignRecord{ProviderID: "p", ProviderType: "mock", KeyID: "K1", Err: errors.New("boom")})

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a log entry")
	}
	if entry.Level != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", entry.Level)
	}
	if entry.Data["provider_id"] != "p" || entry.Data["key_id"] != "K1" || entry.Data["error"] != "boom" {
		t.Fatalf("unexpected fields: %v", entry.Data)
	}
	if entry.Data["success"] != false {
		t.Fatalf("expected success=false, got %v", entry.Data["success"])
	}
}

type failingWriter struct{}

func (failingWriter) WriteEvent(*AuditEvent) error { return errors.New("disk full") }

func TestAuditLogger_WriterErrorStillBuffers(t *testing.T) {
	logger := NewLogger(10, failingWriter{})

	if err := logger.Log(&AuditEvent{EventType: EventTypeSign}); err == nil {
		t.Fatal("expected writer error to be returned")
	}
	if len(logger.Events()) != 1 {
		t.Fatal("expected event to be buffered despite writer failure")
	}
}

func TestAuditLogger_ReportsWriterErrors(t *testing.T) {
	errLog, hook := logtest.NewNullLogger()
	logger := NewLogger(10, failingWriter{}, WithErrorLogger(errLog))

	logger.LogSign(SignRecord{ProviderID: "p1", ProviderType: "mock"})
	logger.LogConnectionCheck("p1", "mock", true, "ok", "req-1")

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 warnings, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != logrus.WarnLevel {
		t.Errorf("expected warn level, got %s", entry.Level)
	}
	if entry.Data["event_type"] != EventTypeSign {
		t.Errorf("expected event_type sign, got %v", entry.Data["event_type"])
	}
	if entry.Data["provider_id"] != "p1" {
		t.Errorf("expected provider_id p1, got %v", entry.Data["provider_id"])
	}
	if err, ok := entry.Data[logrus.ErrorKey].(error); !ok || err.Error() != "disk full" {
		t.Errorf("expected writer error on entry, got %v", entry.Data[logrus.ErrorKey])
	}
	if len(logger.Events()) != 2 {
		t.Errorf("expected both events buffered, got %d", len(logger.Events()))
	}
}

func TestRequestIDContext(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
	ctx := ContextWithRequestID(context.Background(), "req-42")
	if got := RequestIDFromContext(ctx); got != "req-42" {
		t.Fatalf("expected req-42, got %q", got)
	}
}
