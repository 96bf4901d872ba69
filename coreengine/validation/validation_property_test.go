package validation

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
)

// TestValidateProperties checks aggregation invariants over generated payloads.
func TestValidateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	engine := NewEngine()

	formatNames := []string{"", "pdf", "png"}
	keyNames := []string{"budget", "deadline", "region"}

	build := func(hasTask bool, formats []int, keys []int) *handoff.Handoff {
		p := handoff.Payload{}
		if hasTask {
			p.TaskDescription = "Write the brief"
		}
		for _, f := range formats {
			p.Deliverables = append(p.Deliverables, handoff.DeliverableSpec{Format: formatNames[f]})
		}
		for i, k := range keys {
			p.Constraints = append(p.Constraints, handoff.Constraint{Key: keyNames[k], Value: string(rune('a' + i%3))})
		}
		h, err := handoff.New("a", "b", "wf", "c", "stage", p, 2)
		if err != nil {
			panic(err)
		}
		return h
	}

	properties.Property("category flags agree with violations", prop.ForAll(
		func(hasTask bool, formats []int, keys []int) bool {
			r := engine.Validate(context.Background(), build(hasTask, formats, keys), nil)
			return r.Completeness == (len(r.ByCategory(CategoryCompleteness)) == 0) &&
				r.Consistency == (len(r.ByCategory(CategoryConsistency)) == 0) &&
				r.Quality == (len(r.ByCategory(CategoryQuality)) == 0) &&
				r.Context == (len(r.ByCategory(CategoryContext)) == 0) &&
				r.Passed() == (r.Completeness && r.Consistency && r.Quality && r.Context)
		},
		gen.Bool(),
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.Property("one missing_format per deliverable without a format", prop.ForAll(
		func(formats []int) bool {
			r := engine.Validate(context.Background(), build(true, formats, nil), nil)
			missing := 0
			for _, f := range formats {
				if formatNames[f] == "" {
					missing++
				}
			}
			return len(r.ByCategory(CategoryQuality)) == missing
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.Property("empty task description never passes", prop.ForAll(
		func(formats []int) bool {
			r := engine.Validate(context.Background(), build(false, formats, nil), nil)
			return !r.Passed() && !r.Completeness
		},
		gen.SliceOf(gen.IntRange(1, 2)),
	))

	properties.TestingRun(t)
}
