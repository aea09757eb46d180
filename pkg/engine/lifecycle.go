package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftwatch/driftwatch/pkg/policy"
	"github.com/driftwatch/driftwatch/pkg/stores"
)

// The incident lifecycle moves forward only:
//
//	detected -> acknowledged -> stabilized -> reconciled -> closed
//
// with a direct detected -> closed shortcut, an orthogonal expired
// marker settable from any non-terminal state, and soft-deletion of
// closed or expired incidents. Every transition is guarded and
// committed with compare-and-swap on the incident version; a losing
// writer receives a conflict and re-reads.

// Acknowledge moves an incident from detected to acknowledged. The
// incident must have an assigned owner, and an approved acknowledge
// approval when policy mandates one.
func (e *Engine) Acknowledge(ctx context.Context, incidentID, actor string) (*stores.DriftIncident, error) {
	return e.transition(ctx, incidentID, "incident.acknowledged", actor, func(incident *stores.DriftIncident, cfg *policy.Config) error {
		if incident.Status != stores.IncidentStatusDetected {
			return NewGuardError(fmt.Sprintf("cannot acknowledge incident in status %s", incident.Status)).
				WithCode(ErrCodeInvalidTransition).WithIncident(incident.ID)
		}
		if incident.Owner == nil || *incident.Owner == "" {
			return NewGuardError("incident has no assigned owner").
				WithCode(ErrCodeOwnerRequired).WithIncident(incident.ID)
		}
		if err := e.approvalSatisfied(ctx, cfg, incident, stores.ApprovalTypeAcknowledge); err != nil {
			return err
		}

		now := e.now()
		incident.Status = stores.IncidentStatusAcknowledged
		incident.AcknowledgedAt = &now
		return nil
	})
}

// Stabilize moves an incident from acknowledged to stabilized. The
// transition is rejected when the environment's latest scan rates a
// higher severity than the incident, meaning drift worsened after
// acknowledgment.
func (e *Engine) Stabilize(ctx context.Context, incidentID, actor string) (*stores.DriftIncident, error) {
	return e.transition(ctx, incidentID, "incident.stabilized", actor, func(incident *stores.DriftIncident, cfg *policy.Config) error {
		if incident.Status != stores.IncidentStatusAcknowledged {
			return NewGuardError(fmt.Sprintf("cannot stabilize incident in status %s", incident.Status)).
				WithCode(ErrCodeInvalidTransition).WithIncident(incident.ID)
		}

		latest, err := e.store.GetLatestDriftCheck(ctx, incident.TenantID, incident.EnvironmentID)
		if err != nil && !errors.Is(err, stores.ErrNotFound) {
			return NewPermanentError("failed to load latest drift check", err).WithIncident(incident.ID)
		}
		if latest != nil && incident.AcknowledgedAt != nil && latest.CheckedAt.After(*incident.AcknowledgedAt) {
			env, err := e.store.GetEnvironment(ctx, incident.EnvironmentID)
			if err != nil {
				return NewPermanentError("failed to load environment", err).WithIncident(incident.ID)
			}
			if severityRank(DeriveSeverity(cfg, env, latest)) > severityRank(incident.Severity) {
				return NewGuardError("higher-severity drift recorded since acknowledgment").
					WithCode(ErrCodeSeverityEscalated).WithIncident(incident.ID)
			}
		}

		now := e.now()
		incident.Status = stores.IncidentStatusStabilized
		incident.StabilizedAt = &now
		return nil
	})
}

// MarkReconciled moves an incident from stabilized to reconciled. At
// least one successful reconciliation artifact must reference the
// incident.
func (e *Engine) MarkReconciled(ctx context.Context, incidentID, actor string) (*stores.DriftIncident, error) {
	return e.transition(ctx, incidentID, "incident.reconciled", actor, func(incident *stores.DriftIncident, cfg *policy.Config) error {
		if incident.Status != stores.IncidentStatusStabilized {
			return NewGuardError(fmt.Sprintf("cannot mark incident reconciled in status %s", incident.Status)).
				WithCode(ErrCodeInvalidTransition).WithIncident(incident.ID)
		}

		count, err := e.store.CountArtifactsByStatus(ctx, incident.ID, stores.ArtifactStatusSuccess)
		if err != nil {
			return NewPermanentError("failed to count reconciliation artifacts", err).WithIncident(incident.ID)
		}
		if count == 0 {
			return NewGuardError("no successful reconciliation").
				WithCode(ErrCodeNoSuccessfulRemediation).WithIncident(incident.ID)
		}

		now := e.now()
		incident.Status = stores.IncidentStatusReconciled
		incident.ReconciledAt = &now
		return nil
	})
}

// CloseIncident closes an incident from reconciled, or directly from
// detected (false-positive shortcut). Requires an approved close
// approval when policy mandates one, and clears the environment's
// active-incident pointer.
func (e *Engine) CloseIncident(ctx context.Context, incidentID, actor string) (*stores.DriftIncident, error) {
	incident, err := e.transition(ctx, incidentID, "incident.closed", actor, func(incident *stores.DriftIncident, cfg *policy.Config) error {
		if incident.Status != stores.IncidentStatusReconciled && incident.Status != stores.IncidentStatusDetected {
			return NewGuardError(fmt.Sprintf("cannot close incident in status %s", incident.Status)).
				WithCode(ErrCodeInvalidTransition).WithIncident(incident.ID)
		}
		if err := e.approvalSatisfied(ctx, cfg, incident, stores.ApprovalTypeClose); err != nil {
			return err
		}

		now := e.now()
		incident.Status = stores.IncidentStatusClosed
		incident.ClosedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.store.SetActiveIncident(ctx, incident.EnvironmentID, nil); err != nil {
		return nil, NewPermanentError("failed to clear active incident pointer", err).WithIncident(incident.ID)
	}

	return incident, nil
}

// AssignOwner sets the incident's owner. Allowed in any non-terminal
// state; acknowledging requires it.
func (e *Engine) AssignOwner(ctx context.Context, incidentID, owner, actor string) (*stores.DriftIncident, error) {
	return e.transition(ctx, incidentID, "incident.assigned", actor, func(incident *stores.DriftIncident, cfg *policy.Config) error {
		if incident.Terminal() {
			return NewGuardError("cannot assign owner on a closed incident").
				WithCode(ErrCodeInvalidTransition).WithIncident(incident.ID)
		}
		incident.Owner = &owner
		return nil
	})
}

// ExpireIncident applies the orthogonal expired marker once now is past
// expires_at. The expiry takes precedence over concurrent transitions:
// a version conflict is retried against the refreshed state until the
// incident is either expired or terminal.
func (e *Engine) ExpireIncident(ctx context.Context, incidentID, actor string) (*stores.DriftIncident, error) {
	for attempt := 0; ; attempt++ {
		incident, err := e.store.GetIncident(ctx, incidentID)
		if err != nil {
			return nil, NewPermanentError("failed to load incident", err).WithIncident(incidentID)
		}

		if incident.Terminal() || incident.DeletedAt != nil {
			return incident, nil
		}
		if incident.Expired {
			return incident, nil
		}
		if incident.ExpiresAt == nil || e.now().Before(*incident.ExpiresAt) {
			return nil, NewGuardError("incident has not reached its expiry deadline").
				WithCode(ErrCodeInvalidTransition).WithIncident(incidentID)
		}

		expected := incident.Version
		now := e.now()
		incident.Expired = true
		incident.ExpiredAt = &now
		incident.LastActor = actor
		incident.UpdatedAt = now

		err = e.store.UpdateIncidentCAS(ctx, incident, expected)
		if err == nil {
			e.metrics.RecordIncidentExpired(string(incident.Severity))
			e.audit(ctx, incident.TenantID, "incident.expired", actor, incident.ID, nil)
			return incident, nil
		}
		if !errors.Is(err, stores.ErrVersionConflict) {
			return nil, NewPermanentError("failed to expire incident", err).WithIncident(incidentID)
		}
		if attempt >= casRetryLimit {
			return nil, NewConflictError("expiry lost repeated concurrent updates", err).WithIncident(incidentID)
		}
	}
}

// ExtendTTL advances an incident's expiry deadline. Only reachable
// through an approved extend_ttl approval.
func (e *Engine) ExtendTTL(ctx context.Context, incidentID string, hours int, actor string) (*stores.DriftIncident, error) {
	return e.transition(ctx, incidentID, "incident.ttl_extended", actor, func(incident *stores.DriftIncident, cfg *policy.Config) error {
		if incident.Terminal() {
			return NewGuardError("cannot extend TTL on a closed incident").
				WithCode(ErrCodeInvalidTransition).WithIncident(incident.ID)
		}
		if incident.ExpiresAt == nil {
			return NewGuardError("incident carries no expiry deadline").
				WithCode(ErrCodeInvalidTransition).WithIncident(incident.ID)
		}

		extended := incident.ExpiresAt.Add(time.Duration(hours) * time.Hour)
		incident.ExpiresAt = &extended
		// A fresh deadline re-arms the warning.
		incident.ExpirationWarningSent = false
		return nil
	})
}

// SoftDeleteIncident soft-deletes a closed or expired incident. The
// record remains for retention purging; it no longer appears in
// listings or active lookups.
func (e *Engine) SoftDeleteIncident(ctx context.Context, incidentID, actor string) (*stores.DriftIncident, error) {
	incident, err := e.transition(ctx, incidentID, "incident.deleted", actor, func(incident *stores.DriftIncident, cfg *policy.Config) error {
		if !incident.Terminal() && !incident.Expired {
			return NewGuardError("only closed or expired incidents can be deleted").
				WithCode(ErrCodeNotDeletable).WithIncident(incident.ID)
		}
		now := e.now()
		incident.DeletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	// An expired-but-open incident was still the environment's active
	// incident; deleting it releases the pointer.
	if !incident.Terminal() {
		if err := e.store.SetActiveIncident(ctx, incident.EnvironmentID, nil); err != nil {
			return nil, NewPermanentError("failed to clear active incident pointer", err).WithIncident(incident.ID)
		}
	}

	return incident, nil
}

// CreateManualIncident opens an incident outside the scan path, for
// operator-driven escalation. The one-open-incident invariant applies
// unchanged.
func (e *Engine) CreateManualIncident(ctx context.Context, tenantID, environmentID string, severity stores.Severity, actor string) (*stores.DriftIncident, error) {
	cfg, err := e.policies.Resolve(ctx, tenantID)
	if err != nil {
		return nil, NewPermanentError("failed to resolve tenant policy", err)
	}

	now := e.now()
	expiresAt := now.Add(cfg.TTLFor(severity))
	incident := &stores.DriftIncident{
		ID:                uuid.New().String(),
		TenantID:          tenantID,
		EnvironmentID:     environmentID,
		Status:            stores.IncidentStatusDetected,
		Severity:          severity,
		ExpiresAt:         &expiresAt,
		AffectedWorkflows: "[]",
		DetectedAt:        now,
		CreatedBy:         actor,
		LastActor:         actor,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	payload := &stores.IncidentPayload{
		IncidentID: incident.ID,
		Snapshot:   "{}",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.store.CreateIncident(ctx, incident, payload); err != nil {
		if errors.Is(err, stores.ErrDuplicateOpenIncident) {
			return nil, NewGuardError("an open incident already exists for this environment").
				WithCode(ErrCodeAlreadyExists).WithEnvironment(environmentID)
		}
		return nil, NewPermanentError("failed to create incident", err).WithEnvironment(environmentID)
	}

	e.audit(ctx, tenantID, "incident.created", actor, incident.ID, map[string]any{
		"environment_id": environmentID,
		"severity":       severity,
		"manual":         true,
	})

	return incident, nil
}

// transition is the shared guarded-transition path: load, guard, CAS,
// audit. A failed guard leaves state unchanged; a version conflict is
// returned for the caller to re-read and retry.
func (e *Engine) transition(
	ctx context.Context,
	incidentID, action, actor string,
	apply func(*stores.DriftIncident, *policy.Config) error,
) (*stores.DriftIncident, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartTransitionSpan(ctx, incidentID, action)
		defer span.End()
	}

	incident, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, NewPermanentError("failed to load incident", err).
			WithCode(ErrCodeNotFound).WithIncident(incidentID)
	}
	if incident.DeletedAt != nil {
		return nil, NewPermanentError("incident is deleted", nil).
			WithCode(ErrCodeNotFound).WithIncident(incidentID)
	}

	cfg, err := e.policies.Resolve(ctx, incident.TenantID)
	if err != nil {
		return nil, NewPermanentError("failed to resolve tenant policy", err).WithIncident(incidentID)
	}

	expected := incident.Version
	fromStatus := incident.Status

	if err := apply(incident, cfg); err != nil {
		return nil, err
	}

	incident.LastActor = actor
	incident.UpdatedAt = e.now()

	if err := e.store.UpdateIncidentCAS(ctx, incident, expected); err != nil {
		if errors.Is(err, stores.ErrVersionConflict) {
			e.metrics.RecordTransitionConflict(action)
			return nil, NewConflictError("incident changed concurrently, re-read and retry", err).
				WithIncident(incidentID)
		}
		return nil, NewPermanentError("failed to commit transition", err).WithIncident(incidentID)
	}

	e.logger.Info().
		Str("incident_id", incident.ID).
		Str("action", action).
		Str("from", string(fromStatus)).
		Str("to", string(incident.Status)).
		Str("actor", actor).
		Msg("Incident transition committed")

	e.metrics.RecordTransition(action, string(incident.Status))
	e.audit(ctx, incident.TenantID, action, actor, incident.ID, map[string]any{
		"from": fromStatus,
		"to":   incident.Status,
	})

	return incident, nil
}

// approvalSatisfied checks the approval gate for one transition type.
func (e *Engine) approvalSatisfied(ctx context.Context, cfg *policy.Config, incident *stores.DriftIncident, approvalType stores.ApprovalType) error {
	if !cfg.RequiresApproval(approvalType) {
		return nil
	}

	if _, err := e.store.GetDecidedApproval(ctx, incident.ID, approvalType, stores.ApprovalStatusApproved); err == nil {
		return nil
	} else if !errors.Is(err, stores.ErrNotFound) {
		return NewPermanentError("failed to look up approval", err).WithIncident(incident.ID)
	}

	if _, err := e.store.GetPendingApproval(ctx, incident.ID, approvalType); err == nil {
		return NewGuardError("approval pending").
			WithCode(ErrCodeApprovalPending).WithIncident(incident.ID)
	} else if !errors.Is(err, stores.ErrNotFound) {
		return NewPermanentError("failed to look up pending approval", err).WithIncident(incident.ID)
	}

	return NewGuardError(fmt.Sprintf("%s requires an approved %s approval", approvalType, approvalType)).
		WithCode(ErrCodeApprovalRequired).WithIncident(incident.ID)
}
