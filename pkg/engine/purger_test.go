package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

// seedExpiredOpenIncident inserts an open incident whose expiry landed
// long ago, old enough to be a purge candidate.
func seedExpiredOpenIncident(t *testing.T, store *stores.SQLiteStore, tenantID, environmentID, id string, age time.Duration) *stores.DriftIncident {
	t.Helper()

	now := time.Now().UTC()
	expiredAt := now.Add(-age)
	expiresAt := expiredAt.Add(-time.Hour)
	incident := &stores.DriftIncident{
		ID:                id,
		TenantID:          tenantID,
		EnvironmentID:     environmentID,
		Status:            stores.IncidentStatusDetected,
		Severity:          stores.SeverityMedium,
		Expired:           true,
		ExpiresAt:         &expiresAt,
		ExpiredAt:         &expiredAt,
		AffectedWorkflows: "[]",
		DetectedAt:        expiresAt.Add(-72 * time.Hour),
		CreatedBy:         "scanner",
		LastActor:         "sweeper",
		Version:           1,
		CreatedAt:         expiresAt.Add(-72 * time.Hour),
		UpdatedAt:         expiredAt,
	}
	payload := &stores.IncidentPayload{
		IncidentID: id,
		Snapshot:   `{"workflows":[]}`,
		CreatedAt:  incident.CreatedAt,
		UpdatedAt:  incident.CreatedAt,
	}
	if err := store.CreateIncident(context.Background(), incident, payload); err != nil {
		t.Fatalf("failed to seed expired incident: %v", err)
	}
	return incident
}

func seedDriftCheck(t *testing.T, store *stores.SQLiteStore, tenantID, environmentID, id string, checkedAt time.Time) {
	t.Helper()

	history := &stores.DriftCheckHistory{
		ID:             id,
		TenantID:       tenantID,
		EnvironmentID:  environmentID,
		CheckedAt:      checkedAt,
		TotalWorkflows: 1,
		InSync:         1,
		Summary:        "in_sync",
	}
	if err := store.CreateDriftCheck(context.Background(), history, nil); err != nil {
		t.Fatalf("failed to seed drift check: %v", err)
	}
}

func TestPurgeRetention(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Retention windows: incidents 90d, payloads 30d, checks 60d,
	// approvals and artifacts 180d.
	setTenantPolicy(t, store, "acme", permissivePolicy())
	createTestEnvironment(t, store, "acme", "stale", stores.EnvironmentClassProduction)
	createTestEnvironment(t, store, "acme", "busy", stores.EnvironmentClassProduction)

	now := time.Now().UTC()

	// An incident that expired 120 days ago, still holding its
	// environment's active pointer.
	old := seedExpiredOpenIncident(t, store, "acme", "stale", "inc-old", 120*24*time.Hour)

	// A live incident whose decided approval and finished artifact have
	// aged past their windows. The incident itself must survive.
	live, err := eng.CreateManualIncident(ctx, "acme", "busy", stores.SeverityMedium, "tester")
	if err != nil {
		t.Fatalf("failed to create live incident: %v", err)
	}

	oldDecision := now.AddDate(0, 0, -200)
	approval := &stores.DriftApproval{
		ID:          "app-old",
		TenantID:    "acme",
		IncidentID:  live.ID,
		Type:        stores.ApprovalTypeAcknowledge,
		Status:      stores.ApprovalStatusPending,
		RequestedBy: "alice",
		RequestedAt: oldDecision.Add(-time.Hour),
	}
	if err := store.CreateApproval(ctx, approval); err != nil {
		t.Fatalf("failed to seed approval: %v", err)
	}
	if err := store.DecideApproval(ctx, approval.ID, stores.ApprovalStatusApproved, "bob", nil, oldDecision); err != nil {
		t.Fatalf("failed to decide approval: %v", err)
	}

	artifact := &stores.ReconciliationArtifact{
		ID:          "art-old",
		TenantID:    "acme",
		IncidentID:  live.ID,
		Type:        stores.ArtifactTypePromote,
		Status:      stores.ArtifactStatusPending,
		RequestedBy: "alice",
		CreatedAt:   oldDecision.Add(-time.Hour),
	}
	if err := store.CreateArtifact(ctx, artifact); err != nil {
		t.Fatalf("failed to seed artifact: %v", err)
	}
	if err := store.UpdateArtifactStatus(ctx, artifact.ID, stores.ArtifactStatusSuccess, nil, nil, oldDecision); err != nil {
		t.Fatalf("failed to complete artifact: %v", err)
	}

	// Check history: one aged record plus the latest, which is always
	// kept even past the window.
	seedDriftCheck(t, store, "acme", "stale", "chk-aged", now.AddDate(0, 0, -100))
	seedDriftCheck(t, store, "acme", "stale", "chk-latest", now.AddDate(0, 0, -70))

	result, err := eng.Purge(ctx)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	if result.Tenants != 1 {
		t.Errorf("expected 1 tenant purged, got %d", result.Tenants)
	}
	if result.IncidentsDeleted != 1 {
		t.Errorf("expected 1 incident deleted, got %d", result.IncidentsDeleted)
	}
	if result.PayloadsDeleted != 1 {
		t.Errorf("expected 1 payload deleted, got %d", result.PayloadsDeleted)
	}
	if result.ChecksDeleted != 1 {
		t.Errorf("expected 1 check deleted, got %d", result.ChecksDeleted)
	}
	if result.ApprovalsDeleted != 1 {
		t.Errorf("expected 1 approval deleted, got %d", result.ApprovalsDeleted)
	}
	if result.ArtifactsDeleted != 1 {
		t.Errorf("expected 1 artifact deleted, got %d", result.ArtifactsDeleted)
	}
	if result.Skipped != 0 {
		t.Errorf("expected nothing skipped, got %d", result.Skipped)
	}

	// The expired incident is gone and its environment pointer released.
	if _, err := store.GetIncident(ctx, old.ID); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected purged incident to be gone, got %v", err)
	}
	env, err := store.GetEnvironment(ctx, "stale")
	if err != nil {
		t.Fatalf("failed to get environment: %v", err)
	}
	if env.ActiveIncidentID != nil {
		t.Errorf("expected active incident pointer released, got %v", *env.ActiveIncidentID)
	}

	// The live incident and its fresh payload survive.
	if _, err := store.GetIncident(ctx, live.ID); err != nil {
		t.Errorf("expected live incident to survive: %v", err)
	}
	if _, err := store.GetIncidentPayload(ctx, live.ID); err != nil {
		t.Errorf("expected live payload to survive: %v", err)
	}

	// The latest check record is kept despite its age.
	latest, err := store.GetLatestDriftCheck(ctx, "acme", "stale")
	if err != nil {
		t.Fatalf("failed to get latest check: %v", err)
	}
	if latest.ID != "chk-latest" {
		t.Errorf("expected chk-latest to remain, got %s", latest.ID)
	}

	// Aged approval and artifact rows on the live incident are gone.
	approvals, err := store.ListApprovals(ctx, live.ID)
	if err != nil {
		t.Fatalf("failed to list approvals: %v", err)
	}
	if len(approvals) != 0 {
		t.Errorf("expected aged approvals purged, got %d", len(approvals))
	}
	artifacts, err := store.ListArtifacts(ctx, live.ID)
	if err != nil {
		t.Fatalf("failed to list artifacts: %v", err)
	}
	if len(artifacts) != 0 {
		t.Errorf("expected aged artifacts purged, got %d", len(artifacts))
	}
}

func TestPurgeSkipsRetentionDisabledTenant(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	cfg := permissivePolicy()
	cfg.Retention.Enabled = false
	setTenantPolicy(t, store, "acme", cfg)
	createTestEnvironment(t, store, "acme", "stale", stores.EnvironmentClassProduction)

	old := seedExpiredOpenIncident(t, store, "acme", "stale", "inc-old", 400*24*time.Hour)

	result, err := eng.Purge(ctx)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if result.Tenants != 0 {
		t.Errorf("expected no tenants purged, got %d", result.Tenants)
	}
	if _, err := store.GetIncident(ctx, old.ID); err != nil {
		t.Errorf("expected incident untouched: %v", err)
	}
}

func TestPurgeLeavesRecentCandidates(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	setTenantPolicy(t, store, "acme", permissivePolicy())
	createTestEnvironment(t, store, "acme", "stale", stores.EnvironmentClassProduction)

	// Expired, but inside the 90 day incident window. The payload window
	// is shorter, so the snapshot goes while the row stays.
	recent := seedExpiredOpenIncident(t, store, "acme", "stale", "inc-recent", 45*24*time.Hour)

	result, err := eng.Purge(ctx)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if result.IncidentsDeleted != 0 {
		t.Errorf("expected no incidents deleted, got %d", result.IncidentsDeleted)
	}
	if result.PayloadsDeleted != 1 {
		t.Errorf("expected 1 payload deleted, got %d", result.PayloadsDeleted)
	}
	if _, err := store.GetIncident(ctx, recent.ID); err != nil {
		t.Errorf("expected incident to survive: %v", err)
	}
	if _, err := store.GetIncidentPayload(ctx, recent.ID); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected payload purged, got %v", err)
	}
}
