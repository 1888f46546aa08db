package pool

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/credential-pool/internal/logging"
)

// EventType names a pool event
type EventType string

const (
	// EventAutoDisabled is emitted when failures reach the disable threshold
	EventAutoDisabled EventType = "credential.auto_disabled"
	// EventSelected is emitted when the current credential changes; id 0 means none is left
	EventSelected EventType = "credential.selected"
	// EventRefreshed is emitted after a successful token exchange
	EventRefreshed EventType = "credential.refreshed"
	// EventRefreshFailed is emitted when a token exchange fails
	EventRefreshFailed EventType = "credential.refresh_failed"
	// EventAdded is emitted when a credential joins the pool
	EventAdded EventType = "credential.added"
	// EventRemoved is emitted when a credential leaves the pool
	EventRemoved EventType = "credential.removed"
)

// Event is an observability record emitted after a pool state change
type Event struct {
	ID           string                 `json:"id"`
	Type         EventType              `json:"type"`
	CredentialID uint64                 `json:"credentialId"`
	Timestamp    time.Time              `json:"timestamp"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id
func NewEvent(typ EventType, credentialID uint64, data map[string]interface{}) Event {
	return Event{
		ID:           uuid.New().String(),
		Type:         typ,
		CredentialID: credentialID,
		Timestamp:    time.Now().UTC(),
		Data:         data,
	}
}

// EventSink receives pool events. Publish is never called with the pool lock held.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// NopSink discards events
type NopSink struct{}

// Publish implements EventSink
func (NopSink) Publish(context.Context, Event) error { return nil }

// LogSink writes events to a logger
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink that logs every event
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogSink{logger: logger}
}

// Publish implements EventSink
func (s *LogSink) Publish(_ context.Context, event Event) error {
	fields := map[string]interface{}{
		"eventId":      event.ID,
		"eventType":    string(event.Type),
		"credentialId": event.CredentialID,
	}
	for k, v := range event.Data {
		fields[k] = v
	}

	l := s.logger.WithFields(fields)
	switch event.Type {
	case EventAutoDisabled, EventRefreshFailed:
		l.Warn("pool event")
	default:
		l.Info("pool event")
	}
	return nil
}

// MultiSink fans an event out to several sinks, returning the first error
type MultiSink []EventSink

// Publish implements EventSink
func (m MultiSink) Publish(ctx context.Context, event Event) error {
	var first error
	for _, sink := range m {
		if err := sink.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
