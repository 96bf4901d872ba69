package config

import (
	"fmt"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/typeutil"
)

// CoreConfig holds protocol limits. It carries no infrastructure settings.
type CoreConfig struct {
	// Clarification loops allowed before a Clarity exception is escalated.
	MaxClarificationCycles int `json:"max_clarification_cycles" yaml:"max_clarification_cycles"`
	// Failed resolution attempts before clarity/capability/quality exceptions escalate.
	MaxResolutionAttempts int `json:"max_resolution_attempts" yaml:"max_resolution_attempts"`
	// Iteration cap for iterative stages that do not set their own.
	DefaultMaxIterations int `json:"default_max_iterations" yaml:"default_max_iterations"`
	// Priority used when a stage does not set one.
	DefaultPriority int `json:"default_priority" yaml:"default_priority"`
	// Source agent of the first handoff in every workflow.
	OrchestratorAgent string `json:"orchestrator_agent" yaml:"orchestrator_agent"`
	// Emitter queue size; records beyond it are dropped.
	EventBufferSize int `json:"event_buffer_size" yaml:"event_buffer_size"`
}

// DefaultCoreConfig returns a CoreConfig with default values.
func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		MaxClarificationCycles: 2,
		MaxResolutionAttempts:  2,
		DefaultMaxIterations:   3,
		DefaultPriority:        3,
		OrchestratorAgent:      "orchestrator",
		EventBufferSize:        1024,
	}
}

// Validate checks the limits are usable.
func (c *CoreConfig) Validate() error {
	if c.MaxClarificationCycles < 0 {
		return fmt.Errorf("max_clarification_cycles must be >= 0")
	}
	if c.MaxResolutionAttempts < 1 {
		return fmt.Errorf("max_resolution_attempts must be >= 1")
	}
	if c.DefaultMaxIterations < 1 {
		return fmt.Errorf("default_max_iterations must be >= 1")
	}
	if c.DefaultPriority < 1 || c.DefaultPriority > 5 {
		return fmt.Errorf("default_priority must be between 1 and 5")
	}
	if c.OrchestratorAgent == "" {
		return fmt.Errorf("orchestrator_agent is required")
	}
	return nil
}

// CoreConfigFromMap creates a CoreConfig from a loosely typed map.
// Unknown keys are ignored; numbers may be int or float64.
func CoreConfigFromMap(m map[string]any) *CoreConfig {
	c := DefaultCoreConfig()
	c.MaxClarificationCycles = typeutil.SafeIntDefault(m["max_clarification_cycles"], c.MaxClarificationCycles)
	c.MaxResolutionAttempts = typeutil.SafeIntDefault(m["max_resolution_attempts"], c.MaxResolutionAttempts)
	c.DefaultMaxIterations = typeutil.SafeIntDefault(m["default_max_iterations"], c.DefaultMaxIterations)
	c.DefaultPriority = typeutil.SafeIntDefault(m["default_priority"], c.DefaultPriority)
	c.EventBufferSize = typeutil.SafeIntDefault(m["event_buffer_size"], c.EventBufferSize)
	if v, ok := typeutil.SafeString(m["orchestrator_agent"]); ok && v != "" {
		c.OrchestratorAgent = v
	}
	return c
}

// ToMap converts config to a map.
func (c *CoreConfig) ToMap() map[string]any {
	return map[string]any{
		"max_clarification_cycles": c.MaxClarificationCycles,
		"max_resolution_attempts":  c.MaxResolutionAttempts,
		"default_max_iterations":   c.DefaultMaxIterations,
		"default_priority":         c.DefaultPriority,
		"orchestrator_agent":       c.OrchestratorAgent,
		"event_buffer_size":        c.EventBufferSize,
	}
}

// QualityPolicy holds the thresholds used by the quality check.
// Zero disables a threshold.
type QualityPolicy struct {
	MinArtifactSizeBytes int64 `json:"min_artifact_size_bytes" yaml:"min_artifact_size_bytes"`
	MinArtifactFields    int   `json:"min_artifact_fields" yaml:"min_artifact_fields"`
}

// DefaultQualityPolicy returns a policy with both thresholds disabled.
func DefaultQualityPolicy() QualityPolicy {
	return QualityPolicy{}
}
