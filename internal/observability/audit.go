package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventProcessStart    AuditEventType = "document.process.start"
	AuditEventProcessComplete AuditEventType = "document.process.complete"
	AuditEventProcessError    AuditEventType = "document.process.error"
	AuditEventDocumentDelete  AuditEventType = "document.delete"
	AuditEventSearch          AuditEventType = "retrieval.search"
	AuditEventSearchDegraded  AuditEventType = "retrieval.search.degraded"
	AuditEventEmbedError      AuditEventType = "embedding.error"
	AuditEventIndexError      AuditEventType = "index.error"
)

// AuditEvent represents a single audit log entry. Every pipeline event
// carries its tenant so per-tenant activity can be reconstructed.
type AuditEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   AuditEventType `json:"event_type"`
	SessionID   string         `json:"session_id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	DocumentID  string         `json:"document_id,omitempty"`
	Success     bool           `json:"success"`
	Duration    time.Duration  `json:"duration_ms,omitempty"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
}

// AuditLogger handles audit event logging.
type AuditLogger struct {
	mu        sync.Mutex
	writer    io.Writer
	closer    io.Closer
	sessionID string
	enabled   bool
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // File path or "stdout"/"stderr"
	SessionID  string
}

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		Enabled:    true,
		OutputPath: "stdout",
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}

	var writer io.Writer
	var closer io.Closer
	switch config.OutputPath {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		writer = f
		closer = f
	}

	sessionID := config.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("session-%d", time.Now().UnixNano())
	}

	return &AuditLogger{
		writer:    writer,
		closer:    closer,
		sessionID: sessionID,
		enabled:   config.Enabled,
	}, nil
}

// Close releases the underlying log file, if the logger opened one.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// Log writes an audit event.
func (l *AuditLogger) Log(event *AuditEvent) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	_, err = fmt.Fprintf(l.writer, "%s\n", data)
	return err
}

// LogProcessStart logs the start of a document processing run.
func (l *AuditLogger) LogProcessStart(tenantID, documentID string, contentLen int) {
	l.Log(&AuditEvent{
		EventType:  AuditEventProcessStart,
		TenantID:   tenantID,
		DocumentID: documentID,
		Success:    true,
		Message:    fmt.Sprintf("Processing document %s", documentID),
		Details: map[string]any{
			"content_length": contentLen,
		},
	})
}

// LogProcessComplete logs a completed processing run.
func (l *AuditLogger) LogProcessComplete(tenantID, documentID string, duration time.Duration, chunkCount, embeddedCount int) {
	l.Log(&AuditEvent{
		EventType:  AuditEventProcessComplete,
		TenantID:   tenantID,
		DocumentID: documentID,
		Success:    true,
		Duration:   duration,
		Message:    fmt.Sprintf("Document %s processed", documentID),
		Details: map[string]any{
			"chunk_count":    chunkCount,
			"embedded_count": embeddedCount,
		},
	})
}

// LogProcessError logs a failed processing run with the stage it died in.
func (l *AuditLogger) LogProcessError(tenantID, documentID, stage string, err error) {
	l.Log(&AuditEvent{
		EventType:   AuditEventProcessError,
		TenantID:    tenantID,
		DocumentID:  documentID,
		Success:     false,
		Message:     fmt.Sprintf("Document %s failed during %s", documentID, stage),
		ErrorDetail: err.Error(),
		Details: map[string]any{
			"stage": stage,
		},
	})
}

// LogDocumentDelete logs a document deletion.
func (l *AuditLogger) LogDocumentDelete(tenantID, documentID string, err error) {
	event := &AuditEvent{
		EventType:  AuditEventDocumentDelete,
		TenantID:   tenantID,
		DocumentID: documentID,
		Success:    err == nil,
		Message:    fmt.Sprintf("Document %s deleted", documentID),
	}
	if err != nil {
		event.Message = fmt.Sprintf("Document %s deletion failed", documentID)
		event.ErrorDetail = err.Error()
	}
	l.Log(event)
}

// LogSearch logs a retrieval request. Degraded searches are logged under
// their own event type so fallback rates are visible in the audit trail.
func (l *AuditLogger) LogSearch(tenantID string, duration time.Duration, resultCount int, degraded bool) {
	eventType := AuditEventSearch
	if degraded {
		eventType = AuditEventSearchDegraded
	}
	l.Log(&AuditEvent{
		EventType: eventType,
		TenantID:  tenantID,
		Success:   true,
		Duration:  duration,
		Message:   "Search served",
		Details: map[string]any{
			"result_count": resultCount,
			"degraded":     degraded,
		},
	})
}

// LogEmbedError logs an embedding provider failure.
func (l *AuditLogger) LogEmbedError(tenantID, provider string, err error) {
	l.Log(&AuditEvent{
		EventType:   AuditEventEmbedError,
		TenantID:    tenantID,
		Success:     false,
		Message:     fmt.Sprintf("Embedding provider %s failed", provider),
		ErrorDetail: err.Error(),
	})
}

// LogIndexError logs a vector index failure.
func (l *AuditLogger) LogIndexError(tenantID string, err error) {
	l.Log(&AuditEvent{
		EventType:   AuditEventIndexError,
		TenantID:    tenantID,
		Success:     false,
		Message:     "Vector index operation failed",
		ErrorDetail: err.Error(),
	})
}
