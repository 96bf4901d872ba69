package natsbus

import (
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
)

const (
	// SubjectPrefix is the root of every subject this package publishes.
	SubjectPrefix = "handoff.events."
	// SubjectEventsAll matches every entity subject.
	SubjectEventsAll = "handoff.events.>"
	// SubjectAlerts receives alert-severity records.
	SubjectAlerts = "handoff.alerts"
)

// SubjectFor returns the subject records of an entity type are published on.
func SubjectFor(entity observability.EntityType) string {
	return SubjectPrefix + string(entity)
}
