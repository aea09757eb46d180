package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

// Reconciliation artifacts are append-only: a retry of a failed action
// is a new artifact, never a rewrite. The status updates below refuse
// to touch artifacts that already reached success or failed; that is
// enforced in the store's conditional update.

// CreateArtifact records an intended remediation action against an open
// incident.
func (e *Engine) CreateArtifact(ctx context.Context, incidentID string, artifactType stores.ArtifactType, externalRef *string, requestedBy string) (*stores.ReconciliationArtifact, error) {
	incident, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, NewPermanentError("failed to load incident", err).
			WithCode(ErrCodeNotFound).WithIncident(incidentID)
	}
	if incident.Terminal() || incident.DeletedAt != nil {
		return nil, NewGuardError("cannot attach reconciliation to a closed or deleted incident").
			WithCode(ErrCodeInvalidTransition).WithIncident(incidentID)
	}

	artifact := &stores.ReconciliationArtifact{
		ID:          uuid.New().String(),
		TenantID:    incident.TenantID,
		IncidentID:  incidentID,
		Type:        artifactType,
		Status:      stores.ArtifactStatusPending,
		ExternalRef: externalRef,
		RequestedBy: requestedBy,
		CreatedAt:   e.now(),
	}

	if err := e.store.CreateArtifact(ctx, artifact); err != nil {
		return nil, NewPermanentError("failed to create reconciliation artifact", err).WithIncident(incidentID)
	}

	e.audit(ctx, incident.TenantID, "artifact.created", requestedBy, artifact.ID, map[string]any{
		"incident_id": incidentID,
		"type":        artifactType,
	})

	return artifact, nil
}

// BeginArtifact marks a pending artifact as running.
func (e *Engine) BeginArtifact(ctx context.Context, artifactID, actor string) (*stores.ReconciliationArtifact, error) {
	return e.updateArtifact(ctx, artifactID, stores.ArtifactStatusInProgress, nil, nil, actor)
}

// CompleteArtifact marks a running artifact as succeeded, optionally
// recording an external reference to the applied change.
func (e *Engine) CompleteArtifact(ctx context.Context, artifactID string, externalRef *string, actor string) (*stores.ReconciliationArtifact, error) {
	return e.updateArtifact(ctx, artifactID, stores.ArtifactStatusSuccess, externalRef, nil, actor)
}

// FailArtifact marks a running artifact as failed with an error
// message. The incident stays where it is; operators retry with a new
// artifact.
func (e *Engine) FailArtifact(ctx context.Context, artifactID, errMsg, actor string) (*stores.ReconciliationArtifact, error) {
	return e.updateArtifact(ctx, artifactID, stores.ArtifactStatusFailed, nil, &errMsg, actor)
}

func (e *Engine) updateArtifact(ctx context.Context, artifactID string, status stores.ArtifactStatus, externalRef, errMsg *string, actor string) (*stores.ReconciliationArtifact, error) {
	artifact, err := e.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, NewPermanentError("failed to load reconciliation artifact", err).
			WithCode(ErrCodeNotFound)
	}

	if err := e.store.UpdateArtifactStatus(ctx, artifactID, status, externalRef, errMsg, e.now()); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			// The artifact already reached success or failed.
			return nil, NewGuardError("artifact has already completed").
				WithCode(ErrCodeInvalidTransition).WithIncident(artifact.IncidentID)
		}
		return nil, NewPermanentError("failed to update reconciliation artifact", err).WithIncident(artifact.IncidentID)
	}

	e.metrics.RecordArtifactStatus(string(artifact.Type), string(status))
	e.audit(ctx, artifact.TenantID, "artifact."+string(status), actor, artifact.ID, map[string]any{
		"incident_id": artifact.IncidentID,
	})

	return e.store.GetArtifact(ctx, artifactID)
}
