// Package testutil provides shared fixtures and recording fakes for tests
// that exercise the kernel through its outer surfaces.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/agents"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
)

// =============================================================================
// FIXTURES
// =============================================================================

// CampaignGraph returns an unvalidated brief -> design -> review -> launch
// graph. Review loops back to design while the "revise" variable is true.
func CampaignGraph() *stagegraph.Graph {
	return &stagegraph.Graph{
		Name: "campaign",
		Stages: []*stagegraph.Stage{
			{
				Name: "brief", Capability: "strategy",
				TaskDescription: "Write the campaign brief",
				Deliverables:    []stagegraph.DeliverableTemplate{{Name: "brief", Format: "md"}},
				Successors:      []stagegraph.Transition{{To: "design"}},
			},
			{
				Name: "design", Capability: "design", Iterative: true, MaxIterations: 2,
				Deliverables: []stagegraph.DeliverableTemplate{{Name: "deck", Format: "pdf"}},
				Successors:   []stagegraph.Transition{{To: "review"}},
			},
			{
				Name: "review", Capability: "review",
				Deliverables: []stagegraph.DeliverableTemplate{{Name: "notes", Format: "md"}},
				Successors: []stagegraph.Transition{
					{To: "design", When: &stagegraph.Condition{Path: "revise", Equals: true}},
					{To: "launch"},
				},
			},
			{
				Name: "launch", Capability: "strategy",
				Deliverables: []stagegraph.DeliverableTemplate{{Name: "plan", Format: "md"}},
			},
		},
	}
}

// ValidPayload returns a payload that passes validation outside a workflow.
func ValidPayload() handoff.Payload {
	return handoff.Payload{
		TaskDescription: "Produce the campaign deck",
		Deliverables:    []handoff.DeliverableSpec{{Name: "deck", Format: "pdf"}},
	}
}

// CampaignAgents returns a registry with one agent per CampaignGraph capability.
func CampaignAgents() *agents.Registry {
	r := agents.NewRegistry()
	_ = r.Register("strategist", 1, "strategy")
	_ = r.Register("designer", 1, "design")
	_ = r.Register("reviewer", 1, "review")
	return r
}

// NewCampaignKernel builds an in-memory kernel with CampaignAgents and
// CampaignGraph registered.
func NewCampaignKernel(opts ...kernel.Option) (*kernel.Kernel, error) {
	opts = append([]kernel.Option{kernel.WithMatcher(CampaignAgents())}, opts...)
	k := kernel.New(nil, opts...)
	if err := k.RegisterGraph(CampaignGraph()); err != nil {
		return nil, err
	}
	return k, nil
}

// WorkEvents is the event sequence that takes a submitted handoff to completed.
var WorkEvents = []kernel.Event{
	kernel.EventDeliverAck, kernel.EventAccept, kernel.EventStartWork, kernel.EventComplete,
}

// Drive applies events in order, stopping at the first error.
func Drive(ctx context.Context, k *kernel.Kernel, id, actor string, events ...kernel.Event) (*handoff.Handoff, error) {
	var h *handoff.Handoff
	for _, ev := range events {
		var err error
		h, _, err = k.TransitionHandoff(ctx, id, kernel.TransitionRequest{Event: ev, Actor: actor})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ev, err)
		}
	}
	return h, nil
}

// =============================================================================
// RECORDING LOGGER
// =============================================================================

// LogCall represents a single log call with message and structured fields.
type LogCall struct {
	Level   string
	Message string
	Fields  map[string]any
}

// RecordingLogger captures log calls. Safe for concurrent use.
type RecordingLogger struct {
	mu    sync.Mutex
	calls []LogCall
}

// NewRecordingLogger creates an empty RecordingLogger.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (l *RecordingLogger) record(level, msg string, keysAndValues []any) {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, LogCall{Level: level, Message: msg, Fields: fields})
}

func (l *RecordingLogger) Debug(msg string, keysAndValues ...any) {
	l.record("debug", msg, keysAndValues)
}

func (l *RecordingLogger) Info(msg string, keysAndValues ...any) {
	l.record("info", msg, keysAndValues)
}

func (l *RecordingLogger) Warn(msg string, keysAndValues ...any) {
	l.record("warn", msg, keysAndValues)
}

func (l *RecordingLogger) Error(msg string, keysAndValues ...any) {
	l.record("error", msg, keysAndValues)
}

// Calls returns a copy of every captured call.
func (l *RecordingLogger) Calls() []LogCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogCall(nil), l.calls...)
}

// Find returns the first call with msg.
func (l *RecordingLogger) Find(msg string) (LogCall, bool) {
	for _, c := range l.Calls() {
		if c.Message == msg {
			return c, true
		}
	}
	return LogCall{}, false
}

// Has reports whether msg was logged at any level.
func (l *RecordingLogger) Has(msg string) bool {
	_, ok := l.Find(msg)
	return ok
}

// Count returns how many calls were made at level.
func (l *RecordingLogger) Count(level string) int {
	n := 0
	for _, c := range l.Calls() {
		if c.Level == level {
			n++
		}
	}
	return n
}

// =============================================================================
// RECORDING SINK
// =============================================================================

// RecordingSink is an observability sink that keeps every delivered record.
// It can be configured to fail or slow down.
type RecordingSink struct {
	name string

	mu      sync.Mutex
	records []observability.Record
	err     error
	delay   time.Duration
}

// NewRecordingSink creates a sink named name.
func NewRecordingSink(name string) *RecordingSink {
	return &RecordingSink{name: name}
}

// WithError makes every delivery fail with err.
func (s *RecordingSink) WithError(err error) *RecordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// WithDelay adds latency to every delivery.
func (s *RecordingSink) WithDelay(d time.Duration) *RecordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
	return s
}

func (s *RecordingSink) Name() string { return s.name }

func (s *RecordingSink) Deliver(ctx context.Context, rec observability.Record) error {
	s.mu.Lock()
	delay, err := s.delay, s.err
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of the delivered records in order.
func (s *RecordingSink) Records() []observability.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]observability.Record(nil), s.records...)
}

// EventTypes returns the event type of every delivered record in order.
func (s *RecordingSink) EventTypes() []string {
	recs := s.Records()
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.EventType
	}
	return out
}

// =============================================================================
// FLAKY STORE
// =============================================================================

// FlakyStore wraps a kernel.Store and fails a configured number of workflow
// saves. Every other call goes to the wrapped store.
type FlakyStore struct {
	kernel.Store

	mu                sync.Mutex
	workflowSaveFails int
	err               error
}

// NewFlakyStore wraps next.
func NewFlakyStore(next kernel.Store) *FlakyStore {
	return &FlakyStore{Store: next}
}

// FailWorkflowSaves makes the next n SaveWorkflow calls return err.
func (s *FlakyStore) FailWorkflowSaves(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflowSaveFails = n
	s.err = err
}

func (s *FlakyStore) SaveWorkflow(ctx context.Context, w *handoff.WorkflowInstance) error {
	s.mu.Lock()
	if s.workflowSaveFails > 0 {
		s.workflowSaveFails--
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.Store.SaveWorkflow(ctx, w)
}
