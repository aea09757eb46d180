package engine

import (
	"context"
)

// WorkflowSource supplies canonical and live workflow definitions with
// their content fingerprints. Implementations live outside the engine
// (git-backed canonical storage, provider API clients).
//
// A (nil, nil) return means the definition is absent, which is a valid
// comparison input, not an error. Fetch errors mean the source could not
// be reached; the runner isolates them to the affected environment.
type WorkflowSource interface {
	// FetchCanonicalDefinition returns the version-controlled definition
	// of a canonical workflow, or nil when the workflow has no canonical
	// content.
	FetchCanonicalDefinition(ctx context.Context, tenantID, workflowID string) (*WorkflowDefinition, error)

	// FetchLiveDefinition returns the deployed definition of a
	// provider-side workflow in one environment, or nil when the
	// workflow does not exist there.
	FetchLiveDefinition(ctx context.Context, tenantID, environmentID, providerID string) (*WorkflowDefinition, error)
}

// Notifier delivers operational warnings. Transport is external; the
// engine only decides when a notification is due.
type Notifier interface {
	// NotifyWarning emits one warning of the given kind for an incident.
	NotifyWarning(ctx context.Context, tenantID, incidentID, kind string) error
}

// Notification kinds emitted by the engine.
const (
	NotifyKindExpirationWarning = "expiration_warning"
	NotifyKindIncidentExpired   = "incident_expired"
)
