package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ryanuber/go-glob"

	"github.com/mdotk/safemonk/internal/config"
)

// EventType represents the type of audit event in the burn-after-read
// lifecycle: a secret is created, optionally passphrase-validated, then
// either fetched/burned (notes) or downloaded/finalized (files), with the
// sweeper as the backstop for anything left unconsumed.
type EventType string

const (
	// EventTypeCreate represents a note or file creation.
	EventTypeCreate EventType = "create"
	// EventTypeValidate represents a passphrase validation attempt.
	EventTypeValidate EventType = "validate"
	// EventTypeBurn represents a note view that consumed its last use, or a
	// whole-file download that consumed its single-use token.
	EventTypeBurn EventType = "burn"
	// EventTypeFinalize represents a chunked file upload's finalize call.
	EventTypeFinalize EventType = "finalize"
	// EventTypeSweep represents a background expiry sweep pass.
	EventTypeSweep EventType = "sweep"
	// EventTypeAccess represents a general metadata/chunk fetch.
	EventTypeAccess EventType = "access"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	ResourceID string                 `json:"resource_id,omitempty"`
	ClientIP   string                 `json:"client_ip,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogCreate logs a note/file creation.
	LogCreate(resourceID, clientIP, requestID string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogValidate logs a passphrase validation attempt.
	LogValidate(resourceID, clientIP, requestID string, success bool, err error, duration time.Duration)

	// LogBurn logs a note view or whole-file download that consumed its
	// secret.
	LogBurn(resourceID, clientIP, requestID string, success bool, err error, duration time.Duration)

	// LogFinalize logs a chunked file upload's finalize call.
	LogFinalize(resourceID, clientIP, requestID string, success bool, err error, duration time.Duration)

	// LogSweep logs a background expiry sweep pass.
	LogSweep(notesDeleted, filesDeleted, tokensDeleted int, success bool, err error, duration time.Duration)

	// LogAccess logs a general metadata/chunk fetch.
	LogAccess(eventType, resourceID, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)

	// GetEvents returns all audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	
	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter
	
	if !cfg.Enabled {
		// If disabled, we still return a logger but maybe with a dummy writer or handle it upstream.
		// For now, create default writer if enabled is false but this function is called?
		// Or rely on caller.
	}

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}
	
	// Wrap with batch sink if configured
	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		// Default values handled in NewBatchSink if 0
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}
	
	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	
	// Write to external writer if available
	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			// Log error but don't fail
			// In production, you might want to handle this differently
		}
	}
	
	// Store in memory buffer
	l.events = append(l.events, event)
	
	// Maintain max events limit
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	
	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata removes metadata keys matching any of l.redactKeys, which
// may be glob patterns (e.g. "*passphrase*") rather than exact field names
// — a ciphertext field's name shouldn't need to match a redact list
// byte-for-byte to be caught by it.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for k := range metadata {
		if matchesAny(l.redactKeys, k) {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		if matchesAny(l.redactKeys, k) {
			clone[k] = "[REDACTED]"
		} else {
			clone[k] = v
		}
	}
	return clone
}

func matchesAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if glob.Glob(p, key) {
			return true
		}
	}
	return false
}

// LogCreate logs a note/file creation.
func (l *auditLogger) LogCreate(resourceID, clientIP, requestID string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeCreate,
		Operation:  "create",
		ResourceID: resourceID,
		ClientIP:   clientIP,
		RequestID:  requestID,
		Success:    success,
		Duration:   duration,
		Metadata:   l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogValidate logs a passphrase validation attempt.
func (l *auditLogger) LogValidate(resourceID, clientIP, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeValidate,
		Operation:  "validate",
		ResourceID: resourceID,
		ClientIP:   clientIP,
		RequestID:  requestID,
		Success:    success,
		Duration:   duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogBurn logs a note view or whole-file download that consumed its secret.
func (l *auditLogger) LogBurn(resourceID, clientIP, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeBurn,
		Operation:  "burn",
		ResourceID: resourceID,
		ClientIP:   clientIP,
		RequestID:  requestID,
		Success:    success,
		Duration:   duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogFinalize logs a chunked file upload's finalize call.
func (l *auditLogger) LogFinalize(resourceID, clientIP, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeFinalize,
		Operation:  "finalize",
		ResourceID: resourceID,
		ClientIP:   clientIP,
		RequestID:  requestID,
		Success:    success,
		Duration:   duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogSweep logs a background expiry sweep pass.
func (l *auditLogger) LogSweep(notesDeleted, filesDeleted, tokensDeleted int, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeSweep,
		Operation: "sweep",
		Success:   success,
		Duration:  duration,
		Metadata: map[string]interface{}{
			"notes_deleted":  notesDeleted,
			"files_deleted":  filesDeleted,
			"tokens_deleted": tokensDeleted,
		},
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogAccess logs a general metadata/chunk fetch.
func (l *auditLogger) LogAccess(eventType, resourceID, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventType(eventType),
		Operation:  eventType,
		ResourceID: resourceID,
		ClientIP:   clientIP,
		UserAgent:  userAgent,
		RequestID:  requestID,
		Success:    success,
		Duration:   duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	
	// Return a copy to prevent external modifications
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter is a default implementation that writes to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	
	// In production, you would write to a file, database, or external service
	// For now, we'll just format it (actual writing would be done by logging middleware)
	fmt.Printf("%s\n", string(data))
	return nil
}
