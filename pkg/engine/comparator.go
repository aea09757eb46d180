package engine

import (
	"github.com/driftwatch/driftwatch/pkg/stores"
)

// Compare classifies one mapped workflow's (canonical, live) pair. It is
// pure and deterministic: no I/O, fingerprints only.
//
//	in_sync            both present, fingerprints equal
//	drifted            both present, fingerprints differ
//	missing_in_git     live present, canonical absent or unmapped
//	missing_in_runtime canonical present, live absent
//
// Callers exclude ignored and deleted mappings before comparison; see
// Comparable.
func Compare(input ComparisonInput) WorkflowComparison {
	result := WorkflowComparison{
		Mapping: input.Mapping,
		Name:    comparisonName(input),
	}

	switch {
	case input.Canonical == nil && input.Live == nil:
		// A mapping with neither side is vacuously in sync; nothing to
		// diverge from.
		result.Flag = stores.DriftFlagInSync
	case input.Canonical == nil:
		result.Flag = stores.DriftFlagMissingInGit
	case input.Live == nil:
		result.Flag = stores.DriftFlagMissingInRuntime
	case input.Canonical.Fingerprint == input.Live.Fingerprint:
		result.Flag = stores.DriftFlagInSync
	default:
		result.Flag = stores.DriftFlagDrifted
	}

	return result
}

// Comparable reports whether a mapping participates in drift comparison.
// Ignored and deleted mappings are excluded before fetching.
func Comparable(mapping *stores.EnvironmentWorkflow) bool {
	switch mapping.Status {
	case stores.MappingStatusIgnored, stores.MappingStatusDeleted:
		return false
	default:
		return true
	}
}

func comparisonName(input ComparisonInput) string {
	if input.Canonical != nil && input.Canonical.Name != "" {
		return input.Canonical.Name
	}
	if input.Live != nil && input.Live.Name != "" {
		return input.Live.Name
	}
	if input.Mapping != nil {
		return input.Mapping.ProviderID
	}
	return ""
}
