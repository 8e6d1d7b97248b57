package loader

import "sync"

const sectionMetadata = "__core__metadata"

// LoaderMetadata is the loader's __core__metadata section: the ordered
// hierarchy of enclosing loader identifiers, oldest first, with the
// currently executing loader's identifier always last (spec.md §3's
// "Metadata").
type LoaderMetadata struct {
	mu        sync.Mutex
	Hierarchy []string
}

func newLoaderMetadata(parent []string, loaderID string) *LoaderMetadata {
	hierarchy := make([]string, len(parent), len(parent)+1)
	copy(hierarchy, parent)
	hierarchy = append(hierarchy, loaderID)
	return &LoaderMetadata{Hierarchy: hierarchy}
}

// Snapshot returns a defensive copy of the hierarchy for callers outside the
// section's own invocation (e.g. a nested loader reading its parent's
// metadata before it has its own section installed).
func (m *LoaderMetadata) Snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Hierarchy))
	copy(out, m.Hierarchy)
	return out
}

// PropagationPolicy decides whether a RetrySignal raised inside a loader
// escapes to an enclosing loader or is consumed locally (spec.md §4.11).
// Go has no boolean|string union, so the two boolean values get their own
// named constants alongside the two hierarchy-shape conditions.
type PropagationPolicy string

const (
	PropagationAlways              PropagationPolicy = "ALWAYS"
	PropagationNever               PropagationPolicy = "NEVER"
	PropagationHasOuterContext     PropagationPolicy = "HAS_OUTER_CONTEXT"
	PropagationHasSameOuterContext PropagationPolicy = "HAS_SAME_OUTER_CONTEXT"
)

// shouldPropagate evaluates the policy against the hierarchy observed by the
// loader identified by loaderID, which is always the hierarchy's last entry.
// An unrecognized policy value propagates nothing, matching the spec's
// "Unrecognized value → false".
func (p PropagationPolicy) shouldPropagate(loaderID string, hierarchy []string) bool {
	switch p {
	case PropagationAlways:
		return true
	case PropagationHasOuterContext:
		return len(hierarchy) > 1
	case PropagationHasSameOuterContext:
		if len(hierarchy) < 2 {
			return false
		}
		return hierarchy[len(hierarchy)-2] == loaderID
	case PropagationNever:
		return false
	default:
		return false
	}
}
