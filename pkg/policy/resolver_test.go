package policy

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

func setupResolver(t *testing.T) (*Resolver, *stores.SQLiteStore) {
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

	return NewResolver(store, zerolog.Nop()), store
}

func TestResolveFallsBackToStandard(t *testing.T) {
	resolver, store := setupResolver(t)
	ctx := context.Background()

	cfg, err := resolver.Resolve(ctx, "unprovisioned")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if cfg.DefaultTTLHours != 72 {
		t.Errorf("expected standard default TTL 72, got %d", cfg.DefaultTTLHours)
	}
	if !cfg.RequireApprovalForClose {
		t.Error("expected standard template to gate close")
	}
	if cfg.RequireApprovalForAcknowledge {
		t.Error("expected standard template not to gate acknowledge")
	}

	// The fallback is never persisted.
	if _, err := store.GetPolicy(ctx, "unprovisioned"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected no persisted policy, got %v", err)
	}
}

func TestProvisionFromTemplate(t *testing.T) {
	resolver, store := setupResolver(t)
	ctx := context.Background()

	cfg, err := resolver.Provision(ctx, "acme", "strict")
	if err != nil {
		t.Fatalf("failed to provision: %v", err)
	}
	if !cfg.RequireApprovalForAcknowledge || !cfg.RequireApprovalForClose {
		t.Error("expected strict template to gate both transitions")
	}

	row, err := store.GetPolicy(ctx, "acme")
	if err != nil {
		t.Fatalf("expected persisted policy: %v", err)
	}
	if row.Template != "strict" {
		t.Errorf("expected template strict, got %s", row.Template)
	}

	resolved, err := resolver.Resolve(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if resolved.ExpirationWarningHours != cfg.ExpirationWarningHours {
		t.Errorf("resolve does not match the provisioned config")
	}
}

func TestProvisionUnknownTemplate(t *testing.T) {
	resolver, _ := setupResolver(t)

	if _, err := resolver.Provision(context.Background(), "acme", "no-such"); err == nil {
		t.Fatal("expected provisioning from an unknown template to fail")
	}
}

func TestUpdateValidatesBeforeWrite(t *testing.T) {
	resolver, _ := setupResolver(t)
	ctx := context.Background()

	if _, err := resolver.Provision(ctx, "acme", "standard"); err != nil {
		t.Fatalf("failed to provision: %v", err)
	}

	cfg, err := resolver.Resolve(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}

	cfg.DefaultTTLHours = 0
	if err := resolver.Update(ctx, "acme", cfg); err == nil {
		t.Fatal("expected invalid update to be rejected")
	}

	// The stored policy is untouched.
	fresh, err := resolver.Resolve(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if fresh.DefaultTTLHours != 72 {
		t.Errorf("expected stored TTL 72, got %d", fresh.DefaultTTLHours)
	}

	cfg.DefaultTTLHours = 96
	if err := resolver.Update(ctx, "acme", cfg); err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	fresh, err = resolver.Resolve(ctx, "acme")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if fresh.DefaultTTLHours != 96 {
		t.Errorf("expected updated TTL 96, got %d", fresh.DefaultTTLHours)
	}
}

func TestTemplatesListed(t *testing.T) {
	resolver, _ := setupResolver(t)

	templates, err := resolver.Templates(context.Background())
	if err != nil {
		t.Fatalf("failed to list templates: %v", err)
	}
	if len(templates) != 3 {
		t.Fatalf("expected 3 seeded templates, got %d", len(templates))
	}

	names := map[string]bool{}
	for _, tpl := range templates {
		names[tpl.Name] = true
	}
	for _, want := range []string{"strict", "standard", "relaxed"} {
		if !names[want] {
			t.Errorf("expected template %s to be seeded", want)
		}
	}
}
