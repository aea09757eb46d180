package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a file-backed SQLite store in a test temp dir.
// A file path is used instead of ":memory:" so every pooled connection
// sees the same database.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "driftwatch-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })

	return store
}

// seedEnvironment creates an environment row for tests that need one.
func seedEnvironment(t *testing.T, store *SQLiteStore, tenantID, id string, class EnvironmentClass) *Environment {
	t.Helper()

	now := time.Now().UTC()
	env := &Environment{
		ID:          id,
		TenantID:    tenantID,
		Name:        "env-" + id,
		Class:       class,
		Active:      true,
		DriftStatus: "unknown",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("failed to seed environment: %v", err)
	}
	return env
}

// seedIncident creates an open detected incident with a payload.
func seedIncident(t *testing.T, store *SQLiteStore, tenantID, environmentID, id string) *DriftIncident {
	t.Helper()

	now := time.Now().UTC()
	expires := now.Add(72 * time.Hour)
	incident := &DriftIncident{
		ID:                id,
		TenantID:          tenantID,
		EnvironmentID:     environmentID,
		Status:            IncidentStatusDetected,
		Severity:          SeverityMedium,
		ExpiresAt:         &expires,
		AffectedWorkflows: `["wf-1"]`,
		DetectedAt:        now,
		CreatedBy:         "scanner",
		LastActor:         "scanner",
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	payload := &IncidentPayload{
		IncidentID: id,
		Snapshot:   `{"counts":{"drifted":1}}`,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.CreateIncident(context.Background(), incident, payload); err != nil {
		t.Fatalf("failed to seed incident: %v", err)
	}
	return incident
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "driftwatch-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	ctx := context.Background()

	tables := []string{
		"environments", "canonical_workflows", "environment_workflows",
		"drift_check_history", "drift_check_workflow_flags",
		"drift_incidents", "incident_payloads",
		"drift_policies", "drift_policy_templates",
		"drift_approvals", "reconciliation_artifacts",
		"scan_leases", "audit",
	}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Templates are seeded by the migrations.
	templates, err := store.ListPolicyTemplates(ctx)
	if err != nil {
		t.Fatalf("failed to list policy templates: %v", err)
	}
	if len(templates) != 3 {
		t.Errorf("expected 3 seeded templates, got %d", len(templates))
	}
}

// TestEnvironmentCRUD tests environment operations
func TestEnvironmentCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	env := seedEnvironment(t, store, "acme", "env-1", EnvironmentClassProduction)

	retrieved, err := store.GetEnvironment(ctx, env.ID)
	if err != nil {
		t.Fatalf("failed to get environment: %v", err)
	}
	if retrieved.TenantID != "acme" {
		t.Errorf("expected tenant acme, got %s", retrieved.TenantID)
	}
	if retrieved.Class != EnvironmentClassProduction {
		t.Errorf("expected class production, got %s", retrieved.Class)
	}
	if retrieved.ActiveIncidentID != nil {
		t.Errorf("expected no active incident, got %v", *retrieved.ActiveIncidentID)
	}

	checkedAt := time.Now().UTC()
	if err := store.UpdateEnvironmentDriftSummary(ctx, env.ID, "drifted", 3, checkedAt); err != nil {
		t.Fatalf("failed to update drift summary: %v", err)
	}

	updated, err := store.GetEnvironment(ctx, env.ID)
	if err != nil {
		t.Fatalf("failed to get updated environment: %v", err)
	}
	if updated.DriftStatus != "drifted" {
		t.Errorf("expected drift status drifted, got %s", updated.DriftStatus)
	}
	if updated.DriftedCount != 3 {
		t.Errorf("expected drifted count 3, got %d", updated.DriftedCount)
	}
	if updated.LastCheckedAt == nil {
		t.Error("expected last_checked_at to be set")
	}

	// List filters on active.
	inactive := seedEnvironment(t, store, "acme", "env-2", EnvironmentClassDev)
	_, err = store.db.ExecContext(ctx, `UPDATE environments SET active = 0 WHERE id = ?`, inactive.ID)
	if err != nil {
		t.Fatalf("failed to deactivate environment: %v", err)
	}

	all, err := store.ListEnvironments(ctx, "acme", false)
	if err != nil {
		t.Fatalf("failed to list environments: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 environments, got %d", len(all))
	}

	active, err := store.ListEnvironments(ctx, "acme", true)
	if err != nil {
		t.Fatalf("failed to list active environments: %v", err)
	}
	if len(active) != 1 || active[0].ID != env.ID {
		t.Errorf("expected only the active environment, got %d", len(active))
	}

	if _, err := store.GetEnvironment(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestWorkflowMappings tests canonical workflow and mapping upserts
func TestWorkflowMappings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	env := seedEnvironment(t, store, "acme", "env-1", EnvironmentClassStaging)

	wf := &CanonicalWorkflow{
		ID:          "wf-1",
		TenantID:    "acme",
		Name:        "nightly-sync",
		Fingerprint: "abc123",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.UpsertCanonicalWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to upsert canonical workflow: %v", err)
	}

	// Upsert replaces the fingerprint.
	wf.Fingerprint = "def456"
	if err := store.UpsertCanonicalWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to re-upsert canonical workflow: %v", err)
	}
	retrieved, err := store.GetCanonicalWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("failed to get canonical workflow: %v", err)
	}
	if retrieved.Fingerprint != "def456" {
		t.Errorf("expected fingerprint def456, got %s", retrieved.Fingerprint)
	}

	canonicalID := "wf-1"
	mapping := &EnvironmentWorkflow{
		ID:            "map-1",
		TenantID:      "acme",
		EnvironmentID: env.ID,
		CanonicalID:   &canonicalID,
		ProviderID:    "prov-1",
		Status:        MappingStatusLinked,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.UpsertEnvironmentWorkflow(ctx, mapping); err != nil {
		t.Fatalf("failed to upsert environment workflow: %v", err)
	}

	mapping.Status = MappingStatusIgnored
	if err := store.UpsertEnvironmentWorkflow(ctx, mapping); err != nil {
		t.Fatalf("failed to re-upsert environment workflow: %v", err)
	}

	mappings, err := store.ListEnvironmentWorkflows(ctx, env.ID)
	if err != nil {
		t.Fatalf("failed to list environment workflows: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(mappings))
	}
	if mappings[0].Status != MappingStatusIgnored {
		t.Errorf("expected status ignored, got %s", mappings[0].Status)
	}
}

// TestDriftCheckHistory tests scan record persistence and retention
func TestDriftCheckHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	env := seedEnvironment(t, store, "acme", "env-1", EnvironmentClassProduction)

	writeCheck := func(id string, checkedAt time.Time) {
		t.Helper()
		canonicalID := "wf-1"
		history := &DriftCheckHistory{
			ID:             id,
			TenantID:       "acme",
			EnvironmentID:  env.ID,
			CheckedAt:      checkedAt,
			TotalWorkflows: 2,
			InSync:         1,
			Drifted:        1,
			Summary:        "1/2 in sync, 1 drifted",
		}
		flags := []*DriftCheckWorkflowFlag{
			{CanonicalID: &canonicalID, WorkflowName: "nightly-sync", Flag: DriftFlagDrifted},
			{WorkflowName: "report", Flag: DriftFlagInSync},
		}
		if err := store.CreateDriftCheck(ctx, history, flags); err != nil {
			t.Fatalf("failed to create drift check %s: %v", id, err)
		}
		for _, flag := range flags {
			if flag.HistoryID != id {
				t.Errorf("expected flag history id %s, got %s", id, flag.HistoryID)
			}
		}
	}

	now := time.Now().UTC()
	writeCheck("chk-old", now.Add(-72*time.Hour))
	writeCheck("chk-mid", now.Add(-48*time.Hour))
	writeCheck("chk-new", now.Add(-time.Hour))

	latest, err := store.GetLatestDriftCheck(ctx, "acme", env.ID)
	if err != nil {
		t.Fatalf("failed to get latest drift check: %v", err)
	}
	if latest.ID != "chk-new" {
		t.Errorf("expected latest chk-new, got %s", latest.ID)
	}

	flags, err := store.ListDriftCheckFlags(ctx, "chk-new")
	if err != nil {
		t.Fatalf("failed to list flags: %v", err)
	}
	if len(flags) != 2 {
		t.Errorf("expected 2 flags, got %d", len(flags))
	}

	checks, err := store.ListDriftChecks(ctx, "acme", env.ID, 10, 0)
	if err != nil {
		t.Fatalf("failed to list drift checks: %v", err)
	}
	if len(checks) != 3 {
		t.Errorf("expected 3 checks, got %d", len(checks))
	}

	// Retention deletes old records but never keepID, and flags cascade.
	deleted, err := store.DeleteDriftChecksBefore(ctx, "acme", env.ID, now, "chk-new", 100)
	if err != nil {
		t.Fatalf("failed to delete drift checks: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	remaining, err := store.ListDriftChecks(ctx, "acme", env.ID, 10, 0)
	if err != nil {
		t.Fatalf("failed to list remaining checks: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "chk-new" {
		t.Errorf("expected only chk-new to remain, got %d", len(remaining))
	}

	orphanFlags, err := store.ListDriftCheckFlags(ctx, "chk-old")
	if err != nil {
		t.Fatalf("failed to list orphan flags: %v", err)
	}
	if len(orphanFlags) != 0 {
		t.Errorf("expected cascaded flags to be gone, got %d", len(orphanFlags))
	}
}

// TestIncidentUniqueness tests the one-open-incident invariant
func TestIncidentUniqueness(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	env := seedEnvironment(t, store, "acme", "env-1", EnvironmentClassProduction)
	incident := seedIncident(t, store, "acme", env.ID, "inc-1")

	// The creating transaction sets the environment pointer.
	updated, err := store.GetEnvironment(ctx, env.ID)
	if err != nil {
		t.Fatalf("failed to get environment: %v", err)
	}
	if updated.ActiveIncidentID == nil || *updated.ActiveIncidentID != incident.ID {
		t.Errorf("expected active incident pointer %s, got %v", incident.ID, updated.ActiveIncidentID)
	}

	// A second open incident for the same environment is rejected.
	now := time.Now().UTC()
	dup := &DriftIncident{
		ID:                "inc-2",
		TenantID:          "acme",
		EnvironmentID:     env.ID,
		Status:            IncidentStatusDetected,
		Severity:          SeverityHigh,
		AffectedWorkflows: "[]",
		DetectedAt:        now,
		CreatedBy:         "scanner",
		LastActor:         "scanner",
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = store.CreateIncident(ctx, dup, nil)
	if !errors.Is(err, ErrDuplicateOpenIncident) {
		t.Fatalf("expected ErrDuplicateOpenIncident, got %v", err)
	}

	// Closing the incident frees the slot.
	fresh, err := store.GetIncident(ctx, incident.ID)
	if err != nil {
		t.Fatalf("failed to get incident: %v", err)
	}
	closedAt := time.Now().UTC()
	fresh.Status = IncidentStatusClosed
	fresh.ClosedAt = &closedAt
	if err := store.UpdateIncidentCAS(ctx, fresh, fresh.Version); err != nil {
		t.Fatalf("failed to close incident: %v", err)
	}

	if err := store.CreateIncident(ctx, dup, nil); err != nil {
		t.Fatalf("expected second incident after close, got %v", err)
	}

	active, err := store.GetActiveIncident(ctx, "acme", env.ID)
	if err != nil {
		t.Fatalf("failed to get active incident: %v", err)
	}
	if active.ID != "inc-2" {
		t.Errorf("expected active incident inc-2, got %s", active.ID)
	}
}

// TestIncidentCAS tests optimistic concurrency on incident updates
func TestIncidentCAS(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	env := seedEnvironment(t, store, "acme", "env-1", EnvironmentClassDev)
	incident := seedIncident(t, store, "acme", env.ID, "inc-1")

	owner := "alice"
	incident.Owner = &owner
	if err := store.UpdateIncidentCAS(ctx, incident, 1); err != nil {
		t.Fatalf("CAS update failed: %v", err)
	}
	if incident.Version != 2 {
		t.Errorf("expected version 2 after CAS, got %d", incident.Version)
	}

	// A write against the observed version 1 now conflicts.
	stale, err := store.GetIncident(ctx, incident.ID)
	if err != nil {
		t.Fatalf("failed to get incident: %v", err)
	}
	err = store.UpdateIncidentCAS(ctx, stale, 1)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// The conflicting write left the row untouched.
	current, err := store.GetIncident(ctx, incident.ID)
	if err != nil {
		t.Fatalf("failed to get incident: %v", err)
	}
	if current.Version != 2 {
		t.Errorf("expected version 2, got %d", current.Version)
	}
	if current.Owner == nil || *current.Owner != "alice" {
		t.Errorf("expected owner alice, got %v", current.Owner)
	}

	missing := *current
	missing.ID = "inc-missing"
	if err := store.UpdateIncidentCAS(ctx, &missing, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestIncidentPayloads tests payload attachment and retention
func TestIncidentPayloads(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	env := seedEnvironment(t, store, "acme", "env-1", EnvironmentClassDev)
	incident := seedIncident(t, store, "acme", env.ID, "inc-1")

	payload, err := store.GetIncidentPayload(ctx, incident.ID)
	if err != nil {
		t.Fatalf("failed to get payload: %v", err)
	}

	details := "promoted git revision"
	payload.ResolutionDetails = &details
	payload.UpdatedAt = time.Now().UTC()
	if err := store.UpdateIncidentPayload(ctx, payload); err != nil {
		t.Fatalf("failed to update payload: %v", err)
	}

	// Live incidents are never payload-purged.
	deleted, err := store.DeleteIncidentPayloadsBefore(ctx, "acme", time.Now().UTC().Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("failed to run payload purge: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected 0 payloads deleted for live incident, got %d", deleted)
	}

	// Close long ago, then the payload is purgeable.
	fresh, err := store.GetIncident(ctx, incident.ID)
	if err != nil {
		t.Fatalf("failed to get incident: %v", err)
	}
	closedAt := time.Now().UTC().Add(-90 * 24 * time.Hour)
	fresh.Status = IncidentStatusClosed
	fresh.ClosedAt = &closedAt
	if err := store.UpdateIncidentCAS(ctx, fresh, fresh.Version); err != nil {
		t.Fatalf("failed to close incident: %v", err)
	}

	deleted, err = store.DeleteIncidentPayloadsBefore(ctx, "acme", time.Now().UTC().Add(-30*24*time.Hour), 100)
	if err != nil {
		t.Fatalf("failed to run payload purge: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 payload deleted, got %d", deleted)
	}

	if _, err := store.GetIncidentPayload(ctx, incident.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after purge, got %v", err)
	}
}

// TestIncidentPurge tests purge candidate listing and versioned delete
func TestIncidentPurge(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	env := seedEnvironment(t, store, "acme", "env-1", EnvironmentClassDev)
	incident := seedIncident(t, store, "acme", env.ID, "inc-1")

	// An open, unexpired incident is never a candidate.
	candidates, err := store.ListPurgeableIncidents(ctx, "acme", time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("failed to list purgeable incidents: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected 0 candidates, got %d", len(candidates))
	}

	fresh, err := store.GetIncident(ctx, incident.ID)
	if err != nil {
		t.Fatalf("failed to get incident: %v", err)
	}
	closedAt := time.Now().UTC().Add(-120 * 24 * time.Hour)
	fresh.Status = IncidentStatusClosed
	fresh.ClosedAt = &closedAt
	if err := store.UpdateIncidentCAS(ctx, fresh, fresh.Version); err != nil {
		t.Fatalf("failed to close incident: %v", err)
	}

	candidates, err = store.ListPurgeableIncidents(ctx, "acme", time.Now().UTC().Add(-90*24*time.Hour), 100)
	if err != nil {
		t.Fatalf("failed to list purgeable incidents: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}

	// Delete is mutually exclusive with concurrent transitions.
	err = store.DeleteIncident(ctx, incident.ID, candidates[0].Version-1)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on stale delete, got %v", err)
	}

	if err := store.DeleteIncident(ctx, incident.ID, candidates[0].Version); err != nil {
		t.Fatalf("failed to delete incident: %v", err)
	}
	if _, err := store.GetIncident(ctx, incident.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteIncident(ctx, incident.ID, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing incident, got %v", err)
	}
}

// TestApprovalFlow tests approval creation, uniqueness and decision
func TestApprovalFlow(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	env := seedEnvironment(t, store, "acme", "env-1", EnvironmentClassDev)
	incident := seedIncident(t, store, "acme", env.ID, "inc-1")

	now := time.Now().UTC()
	approval := &DriftApproval{
		ID:          "apr-1",
		TenantID:    "acme",
		IncidentID:  incident.ID,
		Type:        ApprovalTypeClose,
		Status:      ApprovalStatusPending,
		RequestedBy: "alice",
		RequestedAt: now,
	}
	if err := store.CreateApproval(ctx, approval); err != nil {
		t.Fatalf("failed to create approval: %v", err)
	}

	// A second pending approval of the same type is rejected.
	dup := *approval
	dup.ID = "apr-2"
	if err := store.CreateApproval(ctx, &dup); !errors.Is(err, ErrDuplicatePendingApproval) {
		t.Fatalf("expected ErrDuplicatePendingApproval, got %v", err)
	}

	// A different type is fine.
	other := *approval
	other.ID = "apr-3"
	other.Type = ApprovalTypeAcknowledge
	if err := store.CreateApproval(ctx, &other); err != nil {
		t.Fatalf("failed to create approval of different type: %v", err)
	}

	pending, err := store.GetPendingApproval(ctx, incident.ID, ApprovalTypeClose)
	if err != nil {
		t.Fatalf("failed to get pending approval: %v", err)
	}
	if pending.ID != "apr-1" {
		t.Errorf("expected pending apr-1, got %s", pending.ID)
	}

	notes := "looks good"
	if err := store.DecideApproval(ctx, "apr-1", ApprovalStatusApproved, "bob", &notes, now); err != nil {
		t.Fatalf("failed to decide approval: %v", err)
	}

	// Decisions are terminal.
	err = store.DecideApproval(ctx, "apr-1", ApprovalStatusRejected, "carol", nil, now)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on re-decide, got %v", err)
	}

	decided, err := store.GetDecidedApproval(ctx, incident.ID, ApprovalTypeClose, ApprovalStatusApproved)
	if err != nil {
		t.Fatalf("failed to get decided approval: %v", err)
	}
	if decided.DecidedBy == nil || *decided.DecidedBy != "bob" {
		t.Errorf("expected decided by bob, got %v", decided.DecidedBy)
	}
	if decided.Notes == nil || *decided.Notes != notes {
		t.Errorf("expected notes %q, got %v", notes, decided.Notes)
	}

	// A decided slot frees the pending uniqueness again.
	dup.ID = "apr-4"
	if err := store.CreateApproval(ctx, &dup); err != nil {
		t.Fatalf("expected new pending approval after decision, got %v", err)
	}

	approvals, err := store.ListApprovals(ctx, incident.ID)
	if err != nil {
		t.Fatalf("failed to list approvals: %v", err)
	}
	if len(approvals) != 3 {
		t.Errorf("expected 3 approvals, got %d", len(approvals))
	}

	// Retention deletes decided approvals only.
	deleted, err := store.DeleteApprovalsBefore(ctx, "acme", now.Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("failed to purge approvals: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 decided approval deleted, got %d", deleted)
	}
}

// TestArtifactUpdates tests reconciliation artifact status transitions
func TestArtifactUpdates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	env := seedEnvironment(t, store, "acme", "env-1", EnvironmentClassDev)
	incident := seedIncident(t, store, "acme", env.ID, "inc-1")

	now := time.Now().UTC()
	artifact := &ReconciliationArtifact{
		ID:          "art-1",
		TenantID:    "acme",
		IncidentID:  incident.ID,
		Type:        ArtifactTypePromote,
		Status:      ArtifactStatusPending,
		RequestedBy: "alice",
		CreatedAt:   now,
	}
	if err := store.CreateArtifact(ctx, artifact); err != nil {
		t.Fatalf("failed to create artifact: %v", err)
	}

	if err := store.UpdateArtifactStatus(ctx, "art-1", ArtifactStatusInProgress, nil, nil, now); err != nil {
		t.Fatalf("failed to start artifact: %v", err)
	}
	running, err := store.GetArtifact(ctx, "art-1")
	if err != nil {
		t.Fatalf("failed to get artifact: %v", err)
	}
	if running.StartedAt == nil {
		t.Error("expected started_at to be set")
	}

	ref := "deploy-42"
	if err := store.UpdateArtifactStatus(ctx, "art-1", ArtifactStatusSuccess, &ref, nil, now); err != nil {
		t.Fatalf("failed to complete artifact: %v", err)
	}
	done, err := store.GetArtifact(ctx, "art-1")
	if err != nil {
		t.Fatalf("failed to get artifact: %v", err)
	}
	if done.Status != ArtifactStatusSuccess {
		t.Errorf("expected status success, got %s", done.Status)
	}
	if done.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if done.ExternalRef == nil || *done.ExternalRef != ref {
		t.Errorf("expected external ref %s, got %v", ref, done.ExternalRef)
	}

	// Terminal artifacts are never updated again.
	err = store.UpdateArtifactStatus(ctx, "art-1", ArtifactStatusFailed, nil, nil, now)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on terminal artifact, got %v", err)
	}
	err = store.UpdateArtifactStatus(ctx, "art-missing", ArtifactStatusFailed, nil, nil, now)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	count, err := store.CountArtifactsByStatus(ctx, incident.ID, ArtifactStatusSuccess)
	if err != nil {
		t.Fatalf("failed to count artifacts: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 successful artifact, got %d", count)
	}
}

// TestScanLease tests lease acquisition, exclusion and stealing
func TestScanLease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lease, err := store.AcquireScanLease(ctx, "acme", "env-1", "owner-a", time.Minute)
	if err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}
	if lease.Owner != "owner-a" {
		t.Errorf("expected owner-a, got %s", lease.Owner)
	}

	// A live lease excludes other owners.
	_, err = store.AcquireScanLease(ctx, "acme", "env-1", "owner-b", time.Minute)
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}

	// Releasing by the wrong owner is a no-op.
	if err := store.ReleaseScanLease(ctx, "acme", "env-1", "owner-b"); err != nil {
		t.Fatalf("wrong-owner release errored: %v", err)
	}
	_, err = store.AcquireScanLease(ctx, "acme", "env-1", "owner-b", time.Minute)
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected lease still held, got %v", err)
	}

	if err := store.ReleaseScanLease(ctx, "acme", "env-1", "owner-a"); err != nil {
		t.Fatalf("failed to release lease: %v", err)
	}
	if _, err := store.AcquireScanLease(ctx, "acme", "env-1", "owner-b", time.Minute); err != nil {
		t.Fatalf("failed to acquire released lease: %v", err)
	}

	// An expired lease is stolen.
	if _, err := store.AcquireScanLease(ctx, "acme", "env-2", "owner-a", -time.Second); err != nil {
		t.Fatalf("failed to acquire expired lease: %v", err)
	}
	stolen, err := store.AcquireScanLease(ctx, "acme", "env-2", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("failed to steal expired lease: %v", err)
	}
	if stolen.Owner != "owner-b" {
		t.Errorf("expected stolen lease owner-b, got %s", stolen.Owner)
	}
}

// TestPolicyRows tests tenant policy and template persistence
func TestPolicyRows(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	template, err := store.GetPolicyTemplate(ctx, "standard")
	if err != nil {
		t.Fatalf("failed to get standard template: %v", err)
	}
	if template.Config == "" {
		t.Error("expected template config to be populated")
	}

	if _, err := store.GetPolicy(ctx, "acme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unprovisioned tenant, got %v", err)
	}

	now := time.Now().UTC()
	row := &DriftPolicy{
		TenantID:  "acme",
		Template:  "standard",
		Config:    template.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreatePolicy(ctx, row); err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}

	row.Config = `{"auto_create_incidents":false}`
	row.UpdatedAt = time.Now().UTC()
	if err := store.UpdatePolicy(ctx, row); err != nil {
		t.Fatalf("failed to update policy: %v", err)
	}

	retrieved, err := store.GetPolicy(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to get policy: %v", err)
	}
	if retrieved.Config != row.Config {
		t.Errorf("expected updated config, got %s", retrieved.Config)
	}
}

// TestAuditTrail tests audit entry persistence and filtering
func TestAuditTrail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := "inc-1"
	entries := []*AuditEntry{
		{TenantID: "acme", Action: "incident.created", Actor: "scanner", TargetID: &target, Timestamp: time.Now().UTC()},
		{TenantID: "acme", Action: "incident.acknowledged", Actor: "alice", TargetID: &target, Timestamp: time.Now().UTC()},
		{TenantID: "other", Action: "incident.created", Actor: "scanner", Timestamp: time.Now().UTC()},
	}
	for _, entry := range entries {
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if entry.ID == 0 {
			t.Error("expected audit entry id to be assigned")
		}
	}

	all, err := store.ListAuditEntries(ctx, "acme", nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 entries for acme, got %d", len(all))
	}

	action := "incident.created"
	filtered, err := store.ListAuditEntries(ctx, "acme", &action, 10, 0)
	if err != nil {
		t.Fatalf("failed to list filtered audit entries: %v", err)
	}
	if len(filtered) != 1 {
		t.Errorf("expected 1 filtered entry, got %d", len(filtered))
	}
}

// TestListTenantIDs tests tenant discovery from environments
func TestListTenantIDs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	seedEnvironment(t, store, "acme", "env-1", EnvironmentClassDev)
	seedEnvironment(t, store, "acme", "env-2", EnvironmentClassProduction)
	seedEnvironment(t, store, "globex", "env-3", EnvironmentClassStaging)

	tenants, err := store.ListTenantIDs(ctx)
	if err != nil {
		t.Fatalf("failed to list tenant IDs: %v", err)
	}
	if len(tenants) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(tenants))
	}
	if tenants[0] != "acme" || tenants[1] != "globex" {
		t.Errorf("expected [acme globex], got %v", tenants)
	}
}

// TestOpenIncidentsWithTTL tests the sweeper listing
func TestOpenIncidentsWithTTL(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	env1 := seedEnvironment(t, store, "acme", "env-1", EnvironmentClassDev)
	env2 := seedEnvironment(t, store, "acme", "env-2", EnvironmentClassDev)

	seedIncident(t, store, "acme", env1.ID, "inc-1")

	// An incident without a deadline is not swept.
	now := time.Now().UTC()
	noTTL := &DriftIncident{
		ID:                "inc-2",
		TenantID:          "acme",
		EnvironmentID:     env2.ID,
		Status:            IncidentStatusDetected,
		Severity:          SeverityMedium,
		AffectedWorkflows: "[]",
		DetectedAt:        now,
		CreatedBy:         "scanner",
		LastActor:         "scanner",
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := store.CreateIncident(ctx, noTTL, nil); err != nil {
		t.Fatalf("failed to create incident: %v", err)
	}

	incidents, err := store.ListOpenIncidentsWithTTL(ctx, 100)
	if err != nil {
		t.Fatalf("failed to list open incidents: %v", err)
	}
	if len(incidents) != 1 || incidents[0].ID != "inc-1" {
		t.Errorf("expected only inc-1 in sweep listing, got %d", len(incidents))
	}
}
