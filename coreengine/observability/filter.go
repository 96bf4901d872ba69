package observability

import (
	"fmt"
	"strings"
)

// Role is a viewer of the event stream.
type Role string

const (
	RoleOperator  Role = "operator"
	RoleExecutive Role = "executive"
	// RoleAgentPrefix scopes the stream to one agent: "agent:<id>".
	RoleAgentPrefix = "agent:"
)

// agentPayloadKeys are the payload keys that name an agent.
var agentPayloadKeys = []string{"source_agent", "target_agent", "agent_id", "actor"}

// ViewFilter decides whether a record is visible to a role.
type ViewFilter func(Record) bool

// FilterFor returns the view filter of a role.
//
//	operator      every record
//	executive     alerts and workflow records
//	agent:<id>    records whose payload names the agent
func FilterFor(role Role) (ViewFilter, error) {
	switch {
	case role == RoleOperator || role == "":
		return func(Record) bool { return true }, nil
	case role == RoleExecutive:
		return func(r Record) bool {
			return r.IsAlert() || r.EntityType == EntityWorkflow
		}, nil
	case strings.HasPrefix(string(role), RoleAgentPrefix):
		agentID := strings.TrimPrefix(string(role), RoleAgentPrefix)
		if agentID == "" {
			return nil, fmt.Errorf("role %q names no agent", role)
		}
		return func(r Record) bool {
			for _, key := range agentPayloadKeys {
				if r.PayloadString(key) == agentID {
					return true
				}
			}
			return false
		}, nil
	}
	return nil, fmt.Errorf("unknown role %q", role)
}

// Apply returns the records the filter accepts, preserving order.
func (f ViewFilter) Apply(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if f(r) {
			out = append(out, r)
		}
	}
	return out
}
