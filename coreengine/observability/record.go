package observability

import (
	"time"

	"github.com/google/uuid"
)

// EntityType names the kind of entity a record describes.
type EntityType string

const (
	EntityHandoff   EntityType = "handoff"
	EntityException EntityType = "exception"
	EntityWorkflow  EntityType = "workflow"
)

// Severity separates operator alerts from informational records.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityAlert Severity = "alert"
)

// Event types carried in Record.EventType.
const (
	EventHandoffCreated         = "handoff.created"
	EventHandoffTransitioned    = "handoff.transitioned"
	EventClarificationRequested = "handoff.clarification_requested"
	EventHandoffRejected        = "handoff.rejected"
	EventExceptionRaised        = "exception.raised"
	EventExceptionResolved      = "exception.resolved"
	EventResolutionRejected     = "exception.resolution_rejected"
	EventExceptionEscalated     = "exception.escalated"
	EventWorkflowStarted        = "workflow.started"
	EventWorkflowAdvanced       = "workflow.advanced"
	EventWorkflowStatusChanged  = "workflow.status_changed"
)

// Record is an immutable, timestamped observability event.
// Payload values are treated as read-only by every consumer.
type Record struct {
	ID         string         `json:"id"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	EventType  string         `json:"event_type"`
	Severity   Severity       `json:"severity"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewRecord builds a record stamped with a fresh id and the current UTC time.
// The payload map is copied.
func NewRecord(entity EntityType, entityID, eventType string, severity Severity, payload map[string]any) Record {
	var p map[string]any
	if payload != nil {
		p = make(map[string]any, len(payload))
		for k, v := range payload {
			p[k] = v
		}
	}
	if severity == "" {
		severity = SeverityInfo
	}
	return Record{
		ID:         "evt_" + uuid.New().String(),
		EntityType: entity,
		EntityID:   entityID,
		EventType:  eventType,
		Severity:   severity,
		Timestamp:  time.Now().UTC(),
		Payload:    p,
	}
}

// IsAlert returns true for alert records.
func (r Record) IsAlert() bool {
	return r.Severity == SeverityAlert
}

// PayloadString returns a string payload value, or "".
func (r Record) PayloadString(key string) string {
	if r.Payload == nil {
		return ""
	}
	s, _ := r.Payload[key].(string)
	return s
}
