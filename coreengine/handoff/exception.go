package handoff

import (
	"time"

	"github.com/google/uuid"
)

// ExceptionCategory classifies a handoff-processing failure.
type ExceptionCategory string

const (
	CategoryClarity    ExceptionCategory = "clarity"    // Missing or ambiguous information
	CategoryCapability ExceptionCategory = "capability" // Target cannot do the work
	CategoryConflict   ExceptionCategory = "conflict"   // Contradictory constraints or routing
	CategoryResource   ExceptionCategory = "resource"   // Required artifact or agent missing
	CategoryQuality    ExceptionCategory = "quality"    // Output below the bar
)

// ExceptionStatus is the resolution status of an exception.
type ExceptionStatus string

const (
	ExceptionOpen                ExceptionStatus = "open"
	ExceptionResolutionRequested ExceptionStatus = "resolution_requested"
	ExceptionResolved            ExceptionStatus = "resolved"
	ExceptionEscalated           ExceptionStatus = "escalated"
)

// IsClosed returns true once no further resolution attempts are accepted.
func (s ExceptionStatus) IsClosed() bool {
	return s == ExceptionResolved || s == ExceptionEscalated
}

// Issue is a violation copied onto an exception.
type Issue struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Resource string `json:"resource,omitempty"`
}

// ExceptionLogEntry records one action on an exception. The log is append-only.
type ExceptionLogEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
}

// Exception is a structured record of a handoff-processing failure.
type Exception struct {
	ID         string `json:"id"`
	HandoffID  string `json:"handoff_id"`
	WorkflowID string `json:"workflow_id,omitempty"`

	Category    ExceptionCategory `json:"category"`
	Source      string            `json:"source"`
	Description string            `json:"description"`
	Issues      []Issue           `json:"issues,omitempty"`
	// MissingResource names a required artifact or agent that does not exist.
	MissingResource string `json:"missing_resource,omitempty"`

	Status          ExceptionStatus     `json:"status"`
	EscalationCount int                 `json:"escalation_count"`
	Log             []ExceptionLogEntry `json:"log"`

	// PreExceptionState is the handoff state to resume on resolution.
	PreExceptionState State `json:"pre_exception_state"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// NewExceptionID returns a fresh exception id.
func NewExceptionID() string {
	return "exc_" + uuid.New().String()
}

// Clone returns a deep copy of the exception.
func (e *Exception) Clone() *Exception {
	if e == nil {
		return nil
	}
	c := *e
	c.Issues = append([]Issue(nil), e.Issues...)
	c.Log = append([]ExceptionLogEntry(nil), e.Log...)
	return &c
}

// AppendLog appends a log entry and bumps UpdatedAt.
func (e *Exception) AppendLog(entry ExceptionLogEntry) {
	e.Log = append(e.Log, entry)
	e.UpdatedAt = entry.At
}
