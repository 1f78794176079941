package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeSign represents a signing operation.
	EventTypeSign EventType = "sign"
	// EventTypeProviderInit represents a provider initialization.
	EventTypeProviderInit EventType = "provider_init"
	// EventTypeProviderReinit represents a provider being replaced after a
	// configuration change.
	EventTypeProviderReinit EventType = "provider_reinit"
	// EventTypeConnectionCheck represents a TestConnection call.
	EventTypeConnectionCheck EventType = "connection_check"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    EventType              `json:"event_type"`
	ProviderID   string                 `json:"provider_id,omitempty"`
	ProviderType string                 `json:"provider_type,omitempty"`
	KeyID        string                 `json:"key_id,omitempty"`
	Algorithm    string                 `json:"algorithm,omitempty"`
	DataHash     string                 `json:"data_hash,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	Success      bool                   `json:"success"`
	Error        string                 `json:"error,omitempty"`
	Duration     time.Duration          `json:"duration_ms"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SignRecord describes a signing attempt.
type SignRecord struct {
	ProviderID   string
	ProviderType string
	KeyID        string
	Algorithm    string
	DataHash     string
	RequestID    string
	Duration     time.Duration
	Err          error
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogSign logs a signing operation.
	LogSign(rec SignRecord)

	// LogProviderInit logs a provider initialization.
	LogProviderInit(providerID, providerType string, err error, duration time.Duration)

	// LogProviderReinit logs a provider being rebuilt from a changed descriptor.
	LogProviderReinit(providerID, providerType string, err error)

	// LogConnectionCheck logs a TestConnection outcome.
	LogConnectionCheck(providerID, providerType string, success bool, message string, requestID string)

	// Events returns a copy of the buffered events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger keeps the most recent events in memory and mirrors every event
// to a writer. Nothing is persisted.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	errLog    logrus.FieldLogger
	now       func() time.Time
}

// Option configures an audit logger.
type Option func(*auditLogger)

// WithErrorLogger reports writer failures of the typed Log* helpers on log.
// Without it they go to the logrus standard logger.
func WithErrorLogger(log logrus.FieldLogger) Option {
	return func(l *auditLogger) { l.errLog = log }
}

// NewLogger creates a new audit logger. A nil writer writes JSON lines to
// stdout.
func NewLogger(maxEvents int, writer EventWriter, opts ...Option) Logger {
	if writer == nil {
		writer = NewJSONWriter(nil)
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}

	l := &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		errLog:    logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log logs an audit event. Writer failures are returned but the event is
// still buffered.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	var writeErr error
	if l.writer != nil {
		writeErr = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return writeErr
}

// record logs event and reports a writer failure; the event stays buffered.
func (l *auditLogger) record(event *AuditEvent) {
	if err := l.Log(event); err != nil {
		l.errLog.WithError(err).WithFields(logrus.Fields{
			"audit_event_id": event.ID,
			"event_type":     event.EventType,
			"provider_id":    event.ProviderID,
		}).Warn("Failed to write audit event")
	}
}

func (l *auditLogger) LogSign(rec SignRecord) {
	event := &AuditEvent{
		EventType:    EventTypeSign,
		ProviderID:   rec.ProviderID,
		ProviderType: rec.ProviderType,
		KeyID:        rec.KeyID,
		Algorithm:    rec.Algorithm,
		DataHash:     rec.DataHash,
		RequestID:    rec.RequestID,
		Success:      rec.Err == nil,
		Duration:     rec.Duration,
	}
	if rec.Err != nil {
		event.Error = rec.Err.Error()
	}
	l.record(event)
}

func (l *auditLogger) LogProviderInit(providerID, providerType string, err error, duration time.Duration) {
	event := &AuditEvent{
		EventType:    EventTypeProviderInit,
		ProviderID:   providerID,
		ProviderType: providerType,
		Success:      err == nil,
		Duration:     duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.record(event)
}

func (l *auditLogger) LogProviderReinit(providerID, providerType string, err error) {
	event := &AuditEvent{
		EventType:    EventTypeProviderReinit,
		ProviderID:   providerID,
		ProviderType: providerType,
		Success:      err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.record(event)
}

func (l *auditLogger) LogConnectionCheck(providerID, providerType string, success bool, message string, requestID string) {
	event := &AuditEvent{
		EventType:    EventTypeConnectionCheck,
		ProviderID:   providerID,
		ProviderType: providerType,
		RequestID:    requestID,
		Success:      success,
	}
	if !success {
		event.Error = message
	}
	l.record(event)
}

func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// jsonWriter writes one JSON document per line.
type jsonWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONWriter returns a writer that emits JSON lines to out (stdout when nil).
func NewJSONWriter(out io.Writer) EventWriter {
	return &jsonWriter{out: out}
}

func (w *jsonWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		fmt.Printf("%s\n", data)
		return nil
	}
	_, err = fmt.Fprintf(w.out, "%s\n", data)
	return err
}

// logrusWriter forwards events to a logrus logger at info level.
type logrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns a writer that logs each event with structured
// fields on logger.
func NewLogrusWriter(logger *logrus.Logger) EventWriter {
	return &logrusWriter{logger: logger}
}

func (w *logrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":       true,
		"audit_id":    event.ID,
		"event_type":  string(event.EventType),
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.ProviderID != "" {
		fields["provider_id"] = event.ProviderID
	}
	if event.ProviderType != "" {
		fields["provider_type"] = event.ProviderType
	}
	if event.KeyID != "" {
		fields["key_id"] = event.KeyID
	}
	if event.Algorithm != "" {
		fields["algorithm"] = event.Algorithm
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	w.logger.WithFields(fields).Info("audit event")
	return nil
}

type requestIDKey struct{}

// ContextWithRequestID returns a copy of ctx carrying the request id used to
// correlate audit events.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
