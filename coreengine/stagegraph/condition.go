package stagegraph

import (
	"fmt"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/typeutil"
)

// Condition is a pure predicate over workflow variables.
// Exactly one of Equals, NotEquals, In or Exists must be set.
type Condition struct {
	Path      string `json:"path" yaml:"path"`
	Equals    any    `json:"equals,omitempty" yaml:"equals,omitempty"`
	NotEquals any    `json:"not_equals,omitempty" yaml:"not_equals,omitempty"`
	In        []any  `json:"in,omitempty" yaml:"in,omitempty"`
	Exists    *bool  `json:"exists,omitempty" yaml:"exists,omitempty"`
}

func (c *Condition) clone() *Condition {
	if c == nil {
		return nil
	}
	cp := *c
	cp.In = append([]any(nil), c.In...)
	if c.Exists != nil {
		exists := *c.Exists
		cp.Exists = &exists
	}
	return &cp
}

// Validate checks that the condition names a path and one operator.
func (c *Condition) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("condition path is required")
	}
	ops := 0
	if c.Equals != nil {
		ops++
	}
	if c.NotEquals != nil {
		ops++
	}
	if len(c.In) > 0 {
		ops++
	}
	if c.Exists != nil {
		ops++
	}
	if ops != 1 {
		return fmt.Errorf("condition on '%s' must set exactly one of equals, not_equals, in, exists", c.Path)
	}
	return nil
}

// Matches evaluates the condition against vars.
func (c *Condition) Matches(vars map[string]any) bool {
	if c == nil {
		return true
	}
	value, found := typeutil.GetNestedValue(vars, c.Path)
	switch {
	case c.Exists != nil:
		return found == *c.Exists
	case !found:
		return false
	case c.Equals != nil:
		return typeutil.LooseEqual(value, c.Equals)
	case c.NotEquals != nil:
		return !typeutil.LooseEqual(value, c.NotEquals)
	case len(c.In) > 0:
		for _, candidate := range c.In {
			if typeutil.LooseEqual(value, candidate) {
				return true
			}
		}
	}
	return false
}
