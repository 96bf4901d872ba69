package commbus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/typeutil"
)

// MessageFromRecord maps a kernel record onto its bus message.
// Records with no bus counterpart return false.
func MessageFromRecord(rec observability.Record) (Message, bool) {
	str := rec.PayloadString
	switch rec.EventType {
	case observability.EventHandoffTransitioned,
		observability.EventHandoffRejected,
		observability.EventClarificationRequested:
		return &HandoffTransitioned{
			HandoffID:   rec.EntityID,
			WorkflowID:  str("workflow_id"),
			Stage:       str("stage"),
			Event:       str("event"),
			From:        str("from"),
			To:          str("to"),
			Actor:       str("actor"),
			ExceptionID: str("exception_id"),
			At:          rec.Timestamp,
		}, true
	case observability.EventExceptionRaised:
		return &ExceptionRaised{
			ExceptionID: rec.EntityID,
			HandoffID:   str("handoff_id"),
			WorkflowID:  str("workflow_id"),
			Category:    str("category"),
			Description: str("description"),
			At:          rec.Timestamp,
		}, true
	case observability.EventExceptionEscalated:
		return &ExceptionEscalated{
			ExceptionID:     rec.EntityID,
			HandoffID:       str("handoff_id"),
			WorkflowID:      str("workflow_id"),
			Category:        str("category"),
			Description:     str("description"),
			MissingResource: str("missing_resource"),
			EscalationCount: typeutil.SafeIntDefault(rec.Payload["escalation_count"], 0),
			At:              rec.Timestamp,
		}, true
	case observability.EventWorkflowStatusChanged:
		return &WorkflowStatusChanged{
			WorkflowID:  rec.EntityID,
			CampaignID:  str("campaign_id"),
			Status:      str("status"),
			Stage:       str("current_stage"),
			ExceptionID: str("exception_id"),
			At:          rec.Timestamp,
		}, true
	}
	return nil, false
}

// RecordSink publishes kernel records on the bus. It is registered on the
// observability emitter, so publishing happens off the transition path.
type RecordSink struct {
	bus CommBus
}

// NewRecordSink creates a sink publishing to bus.
func NewRecordSink(bus CommBus) *RecordSink {
	return &RecordSink{bus: bus}
}

func (s *RecordSink) Name() string { return "commbus" }

func (s *RecordSink) Deliver(ctx context.Context, rec observability.Record) error {
	msg, ok := MessageFromRecord(rec)
	if !ok {
		return nil
	}
	return s.bus.Publish(ctx, msg)
}

// SupervisorRelay turns escalations into NotifySupervisors commands.
type SupervisorRelay struct {
	bus         CommBus
	supervisors []string
	logger      Logger
}

// NewSupervisorRelay creates a relay addressing supervisors.
func NewSupervisorRelay(bus CommBus, supervisors []string, logger Logger) *SupervisorRelay {
	if logger == nil {
		logger = nopLogger{}
	}
	return &SupervisorRelay{
		bus:         bus,
		supervisors: append([]string(nil), supervisors...),
		logger:      logger,
	}
}

// Start subscribes the relay and returns the unsubscribe function.
func (r *SupervisorRelay) Start() func() {
	return r.bus.Subscribe("ExceptionEscalated", r.handle)
}

func (r *SupervisorRelay) handle(ctx context.Context, msg Message) (any, error) {
	esc, ok := msg.(*ExceptionEscalated)
	if !ok {
		return nil, fmt.Errorf("supervisor relay: unexpected message %s", GetMessageType(msg))
	}
	if len(r.supervisors) == 0 {
		r.logger.Warn("escalation_without_supervisors", "exception_id", esc.ExceptionID)
		return nil, nil
	}
	cmd := &NotifySupervisors{
		Supervisors: r.supervisors,
		ExceptionID: esc.ExceptionID,
		WorkflowID:  esc.WorkflowID,
		Summary:     summarize(esc),
	}
	return nil, r.bus.Send(ctx, cmd)
}

func summarize(e *ExceptionEscalated) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s exception %s", e.Category, e.ExceptionID)
	if e.HandoffID != "" {
		fmt.Fprintf(&b, " on handoff %s", e.HandoffID)
	}
	if e.MissingResource != "" {
		fmt.Fprintf(&b, " (missing %s)", e.MissingResource)
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	return b.String()
}

// HandoffReader loads handoffs by id.
type HandoffReader interface {
	GetHandoff(ctx context.Context, id string) (*handoff.Handoff, error)
}

// RegisterStatusQuery answers GetHandoffStatus from reader.
func RegisterStatusQuery(bus CommBus, reader HandoffReader) error {
	return bus.RegisterHandler("GetHandoffStatus", func(ctx context.Context, msg Message) (any, error) {
		q, ok := msg.(*GetHandoffStatus)
		if !ok {
			return nil, fmt.Errorf("status query: unexpected message %s", GetMessageType(msg))
		}
		h, err := reader.GetHandoff(ctx, q.HandoffID)
		if errors.Is(err, handoff.ErrNotFound) {
			return &HandoffStatusResponse{HandoffID: q.HandoffID}, nil
		}
		if err != nil {
			return nil, err
		}
		return &HandoffStatusResponse{
			HandoffID:   h.ID,
			Found:       true,
			State:       string(h.State),
			TargetAgent: h.TargetAgent,
			Version:     h.Version,
		}, nil
	})
}

// HealthCheck checks one component. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// RegisterHealthQuery answers HealthCheckRequest from checks keyed by
// component name.
func RegisterHealthQuery(bus CommBus, checks map[string]HealthCheck) error {
	return bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg Message) (any, error) {
		q, ok := msg.(*HealthCheckRequest)
		if !ok {
			return nil, fmt.Errorf("health query: unexpected message %s", GetMessageType(msg))
		}
		check, ok := checks[q.Component]
		if !ok {
			return nil, fmt.Errorf("health query: unknown component %q", q.Component)
		}
		resp := &HealthCheckResponse{Component: q.Component, Status: HealthStatusHealthy}
		if err := check(ctx); err != nil {
			resp.Status = HealthStatusUnhealthy
			resp.Details = map[string]any{"error": err.Error()}
		}
		return resp, nil
	})
}

var _ observability.Sink = (*RecordSink)(nil)
