package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftwatch/driftwatch/pkg/policy"
	"github.com/driftwatch/driftwatch/pkg/stores"
)

// fakeSource is an in-memory WorkflowSource keyed by tenant, environment
// and workflow IDs. Environments listed in failLive refuse live fetches.
type fakeSource struct {
	mu        sync.Mutex
	canonical map[string]*WorkflowDefinition // tenant/workflowID
	live      map[string]*WorkflowDefinition // tenant/envID/providerID
	failLive  map[string]error               // envID
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		canonical: map[string]*WorkflowDefinition{},
		live:      map[string]*WorkflowDefinition{},
		failLive:  map[string]error{},
	}
}

func (f *fakeSource) setCanonical(tenantID, workflowID, fingerprint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canonical[tenantID+"/"+workflowID] = &WorkflowDefinition{
		Name:        workflowID,
		Content:     "content:" + fingerprint,
		Fingerprint: fingerprint,
	}
}

func (f *fakeSource) setLive(tenantID, environmentID, providerID, fingerprint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[tenantID+"/"+environmentID+"/"+providerID] = &WorkflowDefinition{
		Name:        providerID,
		Content:     "content:" + fingerprint,
		Fingerprint: fingerprint,
	}
}

func (f *fakeSource) removeLive(tenantID, environmentID, providerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, tenantID+"/"+environmentID+"/"+providerID)
}

func (f *fakeSource) FetchCanonicalDefinition(_ context.Context, tenantID, workflowID string) (*WorkflowDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canonical[tenantID+"/"+workflowID], nil
}

func (f *fakeSource) FetchLiveDefinition(_ context.Context, tenantID, environmentID, providerID string) (*WorkflowDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLive[environmentID]; err != nil {
		return nil, err
	}
	return f.live[tenantID+"/"+environmentID+"/"+providerID], nil
}

// fakeNotifier records delivered notifications.
type fakeNotifier struct {
	mu       sync.Mutex
	sent     []string // "incidentID/kind"
	failNext error
}

func (f *fakeNotifier) NotifyWarning(_ context.Context, _, incidentID, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.sent = append(f.sent, incidentID+"/"+kind)
	return nil
}

func (f *fakeNotifier) count(incidentID, kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s == incidentID+"/"+kind {
			n++
		}
	}
	return n
}

// conflictOnceStore wraps the real store and fails the first incident
// CAS with a version conflict. racer runs before the conflict is
// returned, so the conflict is backed by a genuine concurrent write.
type conflictOnceStore struct {
	stores.Store
	racer    func()
	injected bool
}

func (s *conflictOnceStore) UpdateIncidentCAS(ctx context.Context, incident *stores.DriftIncident, expectedVersion int64) error {
	if !s.injected {
		s.injected = true
		if s.racer != nil {
			s.racer()
		}
		return stores.ErrVersionConflict
	}
	return s.Store.UpdateIncidentCAS(ctx, incident, expectedVersion)
}

// newTestEngine wires an engine against a throwaway store with fake
// collaborators and no telemetry.
func newTestEngine(t *testing.T) (*Engine, *stores.SQLiteStore, *fakeSource, *fakeNotifier) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{
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

	source := newFakeSource()
	notifier := &fakeNotifier{}
	resolver := policy.NewResolver(store, zerolog.Nop())

	eng := New(store, source, notifier, resolver, zerolog.Nop(), nil, nil, Options{
		MaxParallel: 2,
		LeaseTTL:    time.Minute,
	})

	return eng, store, source, notifier
}

func createTestEnvironment(t *testing.T, store *stores.SQLiteStore, tenantID, id string, class stores.EnvironmentClass) *stores.Environment {
	t.Helper()

	now := time.Now().UTC()
	env := &stores.Environment{
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
		t.Fatalf("failed to create environment: %v", err)
	}
	return env
}

// linkWorkflow registers a canonical workflow and its linked mapping in
// one environment.
func linkWorkflow(t *testing.T, store *stores.SQLiteStore, tenantID, environmentID, workflowID, providerID string) {
	t.Helper()

	ctx := context.Background()
	now := time.Now().UTC()
	wf := &stores.CanonicalWorkflow{
		ID:          workflowID,
		TenantID:    tenantID,
		Name:        workflowID,
		Fingerprint: "",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.UpsertCanonicalWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to upsert canonical workflow: %v", err)
	}

	canonicalID := workflowID
	mapping := &stores.EnvironmentWorkflow{
		ID:            fmt.Sprintf("map-%s-%s", environmentID, providerID),
		TenantID:      tenantID,
		EnvironmentID: environmentID,
		CanonicalID:   &canonicalID,
		ProviderID:    providerID,
		Status:        stores.MappingStatusLinked,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.UpsertEnvironmentWorkflow(ctx, mapping); err != nil {
		t.Fatalf("failed to upsert mapping: %v", err)
	}
}

// untrackedWorkflow registers a mapping with no canonical binding.
func untrackedWorkflow(t *testing.T, store *stores.SQLiteStore, tenantID, environmentID, providerID string) {
	t.Helper()

	now := time.Now().UTC()
	mapping := &stores.EnvironmentWorkflow{
		ID:            fmt.Sprintf("map-%s-%s", environmentID, providerID),
		TenantID:      tenantID,
		EnvironmentID: environmentID,
		ProviderID:    providerID,
		Status:        stores.MappingStatusUntracked,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.UpsertEnvironmentWorkflow(context.Background(), mapping); err != nil {
		t.Fatalf("failed to upsert untracked mapping: %v", err)
	}
}

// setTenantPolicy writes a tenant policy row from a typed config.
func setTenantPolicy(t *testing.T, store *stores.SQLiteStore, tenantID string, cfg *policy.Config) {
	t.Helper()

	blob, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal policy config: %v", err)
	}
	now := time.Now().UTC()
	if err := store.CreatePolicy(context.Background(), &stores.DriftPolicy{
		TenantID:  tenantID,
		Template:  "custom",
		Config:    blob,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
}

// permissivePolicy returns a valid config with every approval gate off
// and retention enabled.
func permissivePolicy() *policy.Config {
	return &policy.Config{
		AutoCreateIncidents:       true,
		NotifyOnExpirationWarning: true,
		ExpirationWarningHours:    12,
		DefaultTTLHours:           72,
		TTLHoursBySeverity: map[stores.Severity]int{
			stores.SeverityMedium:   72,
			stores.SeverityHigh:     48,
			stores.SeverityCritical: 24,
		},
		HighSeverityDriftShare: 0.3,
		Retention: policy.RetentionConfig{
			Enabled:            true,
			ClosedIncidentDays: 90,
			PayloadDays:        30,
			CheckHistoryDays:   60,
			ApprovalDays:       180,
			ArtifactDays:       180,
		},
	}
}

func TestGetActiveIncidentAbsent(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	createTestEnvironment(t, store, "acme", "env-1", stores.EnvironmentClassDev)

	incident, err := eng.GetActiveIncident(ctx, "acme", "env-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if incident != nil {
		t.Errorf("expected nil incident, got %v", incident.ID)
	}
}

func TestIsDeploymentBlocked(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	cfg := permissivePolicy()
	cfg.BlockDeploymentsOnDrift = false
	cfg.BlockDeploymentsOnExpired = true
	setTenantPolicy(t, store, "acme", cfg)

	createTestEnvironment(t, store, "acme", "env-1", stores.EnvironmentClassProduction)

	blocked, err := eng.IsDeploymentBlocked(ctx, "acme", "env-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blocked {
		t.Error("expected no block without an incident")
	}

	incident, err := eng.CreateManualIncident(ctx, "acme", "env-1", stores.SeverityMedium, "tester")
	if err != nil {
		t.Fatalf("failed to create incident: %v", err)
	}

	blocked, err = eng.IsDeploymentBlocked(ctx, "acme", "env-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blocked {
		t.Error("expected no block while block_deployments_on_drift is off")
	}

	// Expiry makes it blocking under block_deployments_on_expired.
	eng.now = func() time.Time { return time.Now().UTC().Add(100 * time.Hour) }
	if _, err := eng.ExpireIncident(ctx, incident.ID, "sweeper"); err != nil {
		t.Fatalf("failed to expire incident: %v", err)
	}

	blocked, err = eng.IsDeploymentBlocked(ctx, "acme", "env-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !blocked {
		t.Error("expected expired incident to block deployments")
	}
}
