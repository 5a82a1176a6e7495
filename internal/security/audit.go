package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"portico/internal/domain"
	"portico/internal/infra/tracer"
)

// FileAuditLogger implements domain.AuditLogger by appending JSONL to a file.
// Registrations, evictions and authentication failures land here.
type FileAuditLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewFileAuditLogger creates an audit logger that appends to the given path.
// The file is created with 0600 permissions if it does not exist.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path}, nil
}

// Log writes an audit event as a single JSON line.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return domain.WrapOp("FileAuditLogger.Log", err)
	}

	a.mu.Lock()
	_, werr := a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if werr != nil {
		return domain.WrapOp("FileAuditLogger.Log", werr)
	}

	// Also emit as an OTel span event if a span is active.
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(
			tracer.StringAttr("audit.actor", event.Actor),
			tracer.StringAttr("audit.outcome", event.Outcome),
		))
	}

	return nil
}

// Close closes the underlying file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// NopAuditLogger discards events; used when auditing is disabled.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, domain.AuditEvent) error { return nil }
func (NopAuditLogger) Close() error                                 { return nil }
