// Package resolver orders and blocks features by their declared dependency
// edges. It is a pure function library: no I/O, no side effects, and it
// never mutates the features it is given.
package resolver

import (
	"fmt"
	"sort"

	"github.com/ShayCichocki/autoflow/pkg/models"
)

// Result is the outcome of resolving a feature set.
type Result struct {
	// Ordered lists schedulable backlog features in execution order:
	// every feature after all of its non-cyclic dependencies, ties broken
	// by ascending priority then insertion order. Cyclic features are
	// appended at the end.
	Ordered []*models.Feature
	// Cyclic lists IDs of backlog features caught in a dependency cycle.
	// They are part of Ordered (at the end) but must be treated as blocked.
	Cyclic []string
	// Warnings reports soft problems such as dangling dependency IDs.
	// Dangling references are deliberately non-blocking so a stale ID can
	// never deadlock the backlog.
	Warnings []string
}

// Resolve computes a deterministic execution order over the backlog subset
// of features. Hidden and archived features are excluded. The same input
// always produces the same output.
func Resolve(features []*models.Feature) Result {
	var res Result

	// Index every known feature, not just the backlog, so dependency IDs
	// pointing at completed or in-flight features resolve.
	known := make(map[string]*models.Feature, len(features))
	for _, f := range features {
		known[f.ID] = f
	}

	// Restrict the graph to schedulable backlog features. Insertion order
	// is the tie-break of last resort, so remember each feature's position.
	type node struct {
		feature *models.Feature
		index   int
		indeg   int
	}
	nodes := make(map[string]*node)
	var order []string
	for i, f := range features {
		if !f.Schedulable() {
			continue
		}
		nodes[f.ID] = &node{feature: f, index: i}
		order = append(order, f.ID)
	}

	// Edges run dependency -> dependent, but only between backlog features.
	// A dependency outside the backlog imposes no ordering here; whether it
	// blocks the dependent is a separate question (BlockingDependencies).
	dependents := make(map[string][]string)
	for _, id := range order {
		n := nodes[id]
		for _, depID := range n.feature.Dependencies {
			if _, ok := known[depID]; !ok {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("feature %s depends on unknown feature %s (ignored)", id, depID))
				continue
			}
			if _, inBacklog := nodes[depID]; !inBacklog {
				continue
			}
			dependents[depID] = append(dependents[depID], id)
			n.indeg++
		}
	}

	// Kahn's algorithm with a stable ready list. The ready list is re-sorted
	// by (priority, insertion order) before every pick, keeping the result
	// deterministic across runs.
	var ready []string
	for _, id := range order {
		if nodes[id].indeg == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		na, nb := nodes[a], nodes[b]
		if na.feature.Priority != nb.feature.Priority {
			return na.feature.Priority < nb.feature.Priority
		}
		return na.index < nb.index
	}

	placed := make(map[string]bool, len(order))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		id := ready[0]
		ready = ready[1:]

		placed[id] = true
		res.Ordered = append(res.Ordered, nodes[id].feature)

		for _, depID := range dependents[id] {
			nodes[depID].indeg--
			if nodes[depID].indeg == 0 {
				ready = append(ready, depID)
			}
		}
	}

	// Anything not placed is part of a cycle (or downstream of one). Append
	// in insertion order and report rather than error: the scheduler keeps
	// them blocked, the backlog keeps moving. Bounded by feature count.
	for _, id := range order {
		if !placed[id] {
			res.Cyclic = append(res.Cyclic, id)
			res.Ordered = append(res.Ordered, nodes[id].feature)
		}
	}
	if len(res.Cyclic) > 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("dependency cycle detected involving features %v", res.Cyclic))
	}

	return res
}

// BlockingDependencies returns the features that currently block f: every
// declared dependency that resolves to a feature whose status is not
// completed. Dangling dependency IDs resolve to nothing and therefore do
// not block (fail-open by design).
func BlockingDependencies(f *models.Feature, all []*models.Feature) []*models.Feature {
	byID := make(map[string]*models.Feature, len(all))
	for _, other := range all {
		byID[other.ID] = other
	}

	var blocking []*models.Feature
	for _, depID := range f.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			continue
		}
		if dep.Status != models.StatusCompleted {
			blocking = append(blocking, dep)
		}
	}
	return blocking
}

// IsBlocked reports whether f has at least one unfinished dependency.
func IsBlocked(f *models.Feature, all []*models.Feature) bool {
	return len(BlockingDependencies(f, all)) > 0
}
