package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

// DefaultTemplate is the template applied to tenants that never
// provisioned a policy of their own.
const DefaultTemplate = "standard"

// Resolver resolves the single effective drift policy for a tenant.
type Resolver struct {
	store  stores.Store
	logger zerolog.Logger
}

// NewResolver creates a new policy resolver.
func NewResolver(store stores.Store, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With().Str("component", "policy").Logger(),
	}
}

// Resolve returns the tenant's effective policy configuration. Tenants
// without a provisioned policy fall back to the standard template
// without persisting it.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*Config, error) {
	row, err := r.store.GetPolicy(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, stores.ErrNotFound) {
			return nil, fmt.Errorf("failed to resolve policy for tenant %s: %w", tenantID, err)
		}
		template, terr := r.store.GetPolicyTemplate(ctx, DefaultTemplate)
		if terr != nil {
			return nil, fmt.Errorf("failed to load default policy template: %w", terr)
		}
		cfg, perr := Unmarshal(template.Config)
		if perr != nil {
			return nil, fmt.Errorf("failed to parse default policy template: %w", perr)
		}
		return cfg, nil
	}

	cfg, err := Unmarshal(row.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy for tenant %s: %w", tenantID, err)
	}

	return cfg, nil
}

// Provision seeds the tenant's policy from a named template.
func (r *Resolver) Provision(ctx context.Context, tenantID, templateName string) (*Config, error) {
	template, err := r.store.GetPolicyTemplate(ctx, templateName)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy template %s: %w", templateName, err)
	}

	cfg, err := Unmarshal(template.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy template %s: %w", templateName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("policy template %s: %w", templateName, err)
	}

	now := time.Now().UTC()
	row := &stores.DriftPolicy{
		TenantID:  tenantID,
		Template:  templateName,
		Config:    template.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreatePolicy(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to provision policy for tenant %s: %w", tenantID, err)
	}

	r.logger.Info().
		Str("tenant_id", tenantID).
		Str("template", templateName).
		Msg("Policy provisioned from template")

	return cfg, nil
}

// Update replaces the tenant's policy configuration. The config is
// validated before the write; invalid configs never reach the store.
func (r *Resolver) Update(ctx context.Context, tenantID string, cfg *Config) error {
	blob, err := cfg.Marshal()
	if err != nil {
		return err
	}

	existing, err := r.store.GetPolicy(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load policy for tenant %s: %w", tenantID, err)
	}

	existing.Config = blob
	existing.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdatePolicy(ctx, existing); err != nil {
		return fmt.Errorf("failed to update policy for tenant %s: %w", tenantID, err)
	}

	r.logger.Info().
		Str("tenant_id", tenantID).
		Msg("Policy updated")

	return nil
}

// Templates lists the available policy templates.
func (r *Resolver) Templates(ctx context.Context) ([]*stores.DriftPolicyTemplate, error) {
	return r.store.ListPolicyTemplates(ctx)
}
