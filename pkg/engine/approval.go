package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

// RequestApproval opens a pending approval for one transition type on
// one incident. At most one pending approval per (incident, type); a
// duplicate request is a conflict, not a new row. extensionHours is
// only meaningful for extend_ttl requests and records how far the
// deadline moves if approved.
func (e *Engine) RequestApproval(ctx context.Context, incidentID string, approvalType stores.ApprovalType, requestedBy string, extensionHours *int) (*stores.DriftApproval, error) {
	incident, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, NewPermanentError("failed to load incident", err).
			WithCode(ErrCodeNotFound).WithIncident(incidentID)
	}
	if incident.Terminal() || incident.DeletedAt != nil {
		return nil, NewGuardError("cannot request approval on a closed or deleted incident").
			WithCode(ErrCodeInvalidTransition).WithIncident(incidentID)
	}
	if approvalType == stores.ApprovalTypeExtendTTL && (extensionHours == nil || *extensionHours <= 0) {
		return nil, NewGuardError("extend_ttl approval requires a positive extension in hours").
			WithIncident(incidentID)
	}

	now := e.now()
	approval := &stores.DriftApproval{
		ID:             uuid.New().String(),
		TenantID:       incident.TenantID,
		IncidentID:     incidentID,
		Type:           approvalType,
		Status:         stores.ApprovalStatusPending,
		RequestedBy:    requestedBy,
		RequestedAt:    now,
		ExtensionHours: extensionHours,
	}

	if err := e.store.CreateApproval(ctx, approval); err != nil {
		if errors.Is(err, stores.ErrDuplicatePendingApproval) {
			return nil, NewConflictError(
				fmt.Sprintf("a pending %s approval already exists for this incident", approvalType), err).
				WithCode(ErrCodeApprovalPending).WithIncident(incidentID)
		}
		return nil, NewPermanentError("failed to create approval", err).WithIncident(incidentID)
	}

	e.audit(ctx, incident.TenantID, "approval.requested", requestedBy, approval.ID, map[string]any{
		"incident_id": incidentID,
		"type":        approvalType,
	})

	return approval, nil
}

// ApproveRequest decides a pending approval as approved. Approving an
// extend_ttl request is consumed immediately: the incident's deadline
// advances by the requested hours in the same call.
func (e *Engine) ApproveRequest(ctx context.Context, approvalID, decidedBy string, notes *string) (*stores.DriftApproval, error) {
	approval, err := e.decide(ctx, approvalID, stores.ApprovalStatusApproved, decidedBy, notes)
	if err != nil {
		return nil, err
	}

	if approval.Type == stores.ApprovalTypeExtendTTL && approval.ExtensionHours != nil {
		if err := e.applyApprovedExtension(ctx, approval.IncidentID, *approval.ExtensionHours, decidedBy); err != nil {
			return nil, err
		}
	}

	return approval, nil
}

// applyApprovedExtension moves the deadline for an approval that is
// already committed as approved. The approval cannot be re-approved, so
// a version conflict on the incident must not drop the extension:
// conflicts are retried against the refreshed incident.
func (e *Engine) applyApprovedExtension(ctx context.Context, incidentID string, hours int, actor string) error {
	var err error
	for attempt := 0; attempt <= casRetryLimit; attempt++ {
		_, err = e.ExtendTTL(ctx, incidentID, hours, actor)
		if err == nil || !IsConflict(err) {
			return err
		}
	}
	return err
}

// RejectRequest decides a pending approval as rejected.
func (e *Engine) RejectRequest(ctx context.Context, approvalID, decidedBy string, notes *string) (*stores.DriftApproval, error) {
	return e.decide(ctx, approvalID, stores.ApprovalStatusRejected, decidedBy, notes)
}

// CancelRequest withdraws a pending approval. Only the requester or an
// admin may cancel; anyone else rejects instead.
func (e *Engine) CancelRequest(ctx context.Context, approvalID, actor string, admin bool) (*stores.DriftApproval, error) {
	approval, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, NewPermanentError("failed to load approval", err).
			WithCode(ErrCodeNotFound)
	}
	if !admin && approval.RequestedBy != actor {
		return nil, NewGuardError("only the requester or an admin can cancel an approval").
			WithIncident(approval.IncidentID)
	}
	return e.decide(ctx, approvalID, stores.ApprovalStatusCancelled, actor, nil)
}

func (e *Engine) decide(ctx context.Context, approvalID string, status stores.ApprovalStatus, decidedBy string, notes *string) (*stores.DriftApproval, error) {
	approval, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, NewPermanentError("failed to load approval", err).
			WithCode(ErrCodeNotFound)
	}
	if approval.Status != stores.ApprovalStatusPending {
		return nil, NewGuardError(fmt.Sprintf("approval is already %s", approval.Status)).
			WithCode(ErrCodeInvalidTransition).WithIncident(approval.IncidentID)
	}

	now := e.now()
	if err := e.store.DecideApproval(ctx, approvalID, status, decidedBy, notes, now); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			// Another decision landed between the read and the write.
			return nil, NewConflictError("approval was decided concurrently", err).
				WithIncident(approval.IncidentID)
		}
		return nil, NewPermanentError("failed to decide approval", err).WithIncident(approval.IncidentID)
	}

	approval.Status = status
	approval.DecidedBy = &decidedBy
	approval.DecidedAt = &now
	approval.Notes = notes

	e.audit(ctx, approval.TenantID, "approval."+string(status), decidedBy, approval.ID, map[string]any{
		"incident_id": approval.IncidentID,
		"type":        approval.Type,
	})

	return approval, nil
}
