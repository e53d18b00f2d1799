package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/rentbill/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *Event) error
}

// Searcher reads audit events back
type Searcher interface {
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)
}

// NewEvent builds a successful event carrying r's request context. r may be nil.
func NewEvent(r *http.Request, eventType EventType, resourceType ResourceType, resourceID string) *Event {
	event := &Event{
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		Status:       EventStatusSuccess,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     make(map[string]interface{}),
	}

	if r != nil {
		event.Method = r.Method
		event.Path = r.URL.Path
		event.UserAgent = r.UserAgent()
		event.IPAddress = remoteIP(r)
		event.RequestID = observability.GetRequestID(r.Context())
	}

	return event
}

// Fail marks the event failed with err's message
func (e *Event) Fail(err error) *Event {
	e.Status = EventStatusFailure
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

func remoteIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// NoOpLogger discards every event
type NoOpLogger struct{}

func (NoOpLogger) Log(ctx context.Context, event *Event) error {
	return nil
}

// LogLogger writes audit events to the application log
type LogLogger struct {
	logger *observability.Logger
}

// NewLogLogger creates a logger that writes events at info level
func NewLogLogger(logger *observability.Logger) *LogLogger {
	return &LogLogger{logger: logger}
}

func (l *LogLogger) Log(ctx context.Context, event *Event) error {
	fields := map[string]interface{}{
		"audit":         true,
		"event_type":    string(event.EventType),
		"status":        string(event.Status),
		"resource_type": string(event.ResourceType),
		"resource_id":   event.ResourceID,
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.IPAddress != "" {
		fields["ip_address"] = event.IPAddress
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	msg := event.Message
	if msg == "" {
		msg = "Audit event"
	}
	l.logger.WithFields(fields).Info(msg)
	return nil
}
