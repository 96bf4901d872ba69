// Package commbus is the in-process message bus of the handoff kernel.
//
// Kernel records are bridged onto the bus as typed messages so in-process
// consumers (the supervisor relay, status queries) do not depend on the
// observability record shape.
//
// Categories:
//   - EVENT: fire-and-forget, fan-out to subscribers
//   - QUERY: request-response, single handler
//   - COMMAND: fire-and-forget, single handler
package commbus

import (
	"time"
)

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	MessageCategoryEvent   MessageCategory = "event"
	MessageCategoryQuery   MessageCategory = "query"
	MessageCategoryCommand MessageCategory = "command"
)

// HealthStatus represents canonical health status values.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// =============================================================================
// HANDOFF EVENTS
// =============================================================================

// HandoffTransitioned is published for every applied handoff transition.
type HandoffTransitioned struct {
	HandoffID   string    `json:"handoff_id"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	Stage       string    `json:"stage"`
	Event       string    `json:"event"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Actor       string    `json:"actor"`
	ExceptionID string    `json:"exception_id,omitempty"`
	At          time.Time `json:"at"`
}

func (m *HandoffTransitioned) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// EXCEPTION EVENTS
// =============================================================================

// ExceptionRaised is published when the resolver opens an exception.
type ExceptionRaised struct {
	ExceptionID string    `json:"exception_id"`
	HandoffID   string    `json:"handoff_id,omitempty"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
}

func (m *ExceptionRaised) Category() string { return string(MessageCategoryEvent) }

// ExceptionEscalated is published when an exception leaves automatic
// resolution and needs a supervisor.
// Subscribers: supervisor relay.
type ExceptionEscalated struct {
	ExceptionID     string    `json:"exception_id"`
	HandoffID       string    `json:"handoff_id,omitempty"`
	WorkflowID      string    `json:"workflow_id,omitempty"`
	Category        string    `json:"category"`
	Description     string    `json:"description,omitempty"`
	MissingResource string    `json:"missing_resource,omitempty"`
	EscalationCount int       `json:"escalation_count"`
	At              time.Time `json:"at"`
}

func (m *ExceptionEscalated) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// WORKFLOW EVENTS
// =============================================================================

// WorkflowStatusChanged is published when a workflow is blocked, resumed,
// completed or aborted.
type WorkflowStatusChanged struct {
	WorkflowID  string    `json:"workflow_id"`
	CampaignID  string    `json:"campaign_id"`
	Status      string    `json:"status"`
	Stage       string    `json:"stage,omitempty"`
	ExceptionID string    `json:"exception_id,omitempty"`
	At          time.Time `json:"at"`
}

func (m *WorkflowStatusChanged) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// COMMANDS
// =============================================================================

// NotifySupervisors asks the supervisor channel to pick up an escalation.
type NotifySupervisors struct {
	Supervisors []string `json:"supervisors"`
	ExceptionID string   `json:"exception_id"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	Summary     string   `json:"summary"`
}

func (m *NotifySupervisors) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// QUERIES
// =============================================================================

// GetHandoffStatus queries the current state of a handoff.
type GetHandoffStatus struct {
	HandoffID string `json:"handoff_id"`
}

func (m *GetHandoffStatus) Category() string { return string(MessageCategoryQuery) }

func (m *GetHandoffStatus) IsQuery() {}

// HandoffStatusResponse is the response for GetHandoffStatus.
type HandoffStatusResponse struct {
	HandoffID   string `json:"handoff_id"`
	Found       bool   `json:"found"`
	State       string `json:"state,omitempty"`
	TargetAgent string `json:"target_agent,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

// HealthCheckRequest requests health check from a component.
type HealthCheckRequest struct {
	Component string `json:"component"` // "store", "lock", "nats"
}

func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }

func (m *HealthCheckRequest) IsQuery() {}

// HealthCheckResponse is the response for HealthCheckRequest.
type HealthCheckResponse struct {
	Component string         `json:"component"`
	Status    HealthStatus   `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	switch msg.(type) {
	case *HandoffTransitioned:
		return "HandoffTransitioned"
	case *ExceptionRaised:
		return "ExceptionRaised"
	case *ExceptionEscalated:
		return "ExceptionEscalated"
	case *WorkflowStatusChanged:
		return "WorkflowStatusChanged"
	case *NotifySupervisors:
		return "NotifySupervisors"
	case *GetHandoffStatus:
		return "GetHandoffStatus"
	case *HealthCheckRequest:
		return "HealthCheckRequest"
	default:
		return "Unknown"
	}
}
