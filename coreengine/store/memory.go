// Package store persists handoffs, workflow instances, exceptions and
// artifacts.
//
// Every backend follows the same optimistic version contract: a record with
// Version 0 is inserted, any other record is updated only when the stored
// version matches, and a successful save increments the caller's Version.
// Records handed in and out are copies; callers never share memory with
// the store.
package store

import (
	"context"
	"sync"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
)

// MemoryStore keeps every record in process memory.
type MemoryStore struct {
	mu sync.RWMutex

	handoffs     map[string]*handoff.Handoff
	handoffOrder []string

	workflows     map[string]*handoff.WorkflowInstance
	workflowOrder []string

	exceptions     map[string]*handoff.Exception
	exceptionOrder []string

	artifacts map[string]handoff.Artifact
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		handoffs:   make(map[string]*handoff.Handoff),
		workflows:  make(map[string]*handoff.WorkflowInstance),
		exceptions: make(map[string]*handoff.Exception),
		artifacts:  make(map[string]handoff.Artifact),
	}
}

// checkVersion applies the insert/update rule shared by every entity.
func checkVersion(entity, id string, exists bool, stored, incoming int64) error {
	if incoming == 0 {
		if exists {
			return handoff.NewConcurrentModificationError(entity, id, 0, stored)
		}
		return nil
	}
	if !exists {
		return handoff.NewNotFoundError(entity, id)
	}
	if stored != incoming {
		return handoff.NewConcurrentModificationError(entity, id, incoming, stored)
	}
	return nil
}

// =============================================================================
// Handoffs
// =============================================================================

// GetHandoff returns a copy of the stored handoff.
func (s *MemoryStore) GetHandoff(_ context.Context, id string) (*handoff.Handoff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handoffs[id]
	if !ok {
		return nil, handoff.NewNotFoundError("handoff", id)
	}
	return h.Clone(), nil
}

// SaveHandoff inserts or updates h under the version contract.
func (s *MemoryStore) SaveHandoff(_ context.Context, h *handoff.Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := s.handoffs[h.ID]
	var storedVersion int64
	if exists {
		storedVersion = stored.Version
	}
	if err := checkVersion("handoff", h.ID, exists, storedVersion, h.Version); err != nil {
		return err
	}
	h.Version++
	if !exists {
		s.handoffOrder = append(s.handoffOrder, h.ID)
	}
	s.handoffs[h.ID] = h.Clone()
	return nil
}

// ListHandoffs returns the handoffs of a workflow in creation order. An
// empty workflowID lists every handoff.
func (s *MemoryStore) ListHandoffs(_ context.Context, workflowID string) ([]*handoff.Handoff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*handoff.Handoff
	for _, id := range s.handoffOrder {
		h := s.handoffs[id]
		if workflowID == "" || h.WorkflowID == workflowID {
			out = append(out, h.Clone())
		}
	}
	return out, nil
}

// =============================================================================
// Workflows
// =============================================================================

// GetWorkflow returns a copy of the stored workflow instance.
func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*handoff.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, handoff.NewNotFoundError("workflow", id)
	}
	return w.Clone(), nil
}

// SaveWorkflow inserts or updates w under the version contract.
func (s *MemoryStore) SaveWorkflow(_ context.Context, w *handoff.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := s.workflows[w.ID]
	var storedVersion int64
	if exists {
		storedVersion = stored.Version
	}
	if err := checkVersion("workflow", w.ID, exists, storedVersion, w.Version); err != nil {
		return err
	}
	w.Version++
	if !exists {
		s.workflowOrder = append(s.workflowOrder, w.ID)
	}
	s.workflows[w.ID] = w.Clone()
	return nil
}

// ListWorkflows returns workflows with the given status, or all of them
// when status is empty, in creation order.
func (s *MemoryStore) ListWorkflows(_ context.Context, status handoff.WorkflowStatus) ([]*handoff.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*handoff.WorkflowInstance
	for _, id := range s.workflowOrder {
		w := s.workflows[id]
		if status == "" || w.Status == status {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

// =============================================================================
// Exceptions
// =============================================================================

// GetException returns a copy of the stored exception.
func (s *MemoryStore) GetException(_ context.Context, id string) (*handoff.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.exceptions[id]
	if !ok {
		return nil, handoff.NewNotFoundError("exception", id)
	}
	return e.Clone(), nil
}

// SaveException inserts or updates e under the version contract.
func (s *MemoryStore) SaveException(_ context.Context, e *handoff.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := s.exceptions[e.ID]
	var storedVersion int64
	if exists {
		storedVersion = stored.Version
	}
	if err := checkVersion("exception", e.ID, exists, storedVersion, e.Version); err != nil {
		return err
	}
	e.Version++
	if !exists {
		s.exceptionOrder = append(s.exceptionOrder, e.ID)
	}
	s.exceptions[e.ID] = e.Clone()
	return nil
}

// ListExceptions returns the exceptions anchored on a handoff in creation
// order. An empty handoffID lists every exception.
func (s *MemoryStore) ListExceptions(_ context.Context, handoffID string) ([]*handoff.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*handoff.Exception
	for _, id := range s.exceptionOrder {
		e := s.exceptions[id]
		if handoffID == "" || e.HandoffID == handoffID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// =============================================================================
// Artifacts
// =============================================================================

// PutArtifact stores or replaces an artifact.
func (s *MemoryStore) PutArtifact(_ context.Context, a handoff.Artifact) error {
	if a.ID == "" {
		return handoff.NewInvalidHandoffError("artifact.id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.ID] = a
	return nil
}

// Resolve returns the artifact with id. A missing artifact matches
// handoff.ErrNotFound.
func (s *MemoryStore) Resolve(_ context.Context, id string) (*handoff.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, handoff.NewNotFoundError("artifact", id)
	}
	return &a, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
