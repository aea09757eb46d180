// Package policy provides the typed drift policy configuration and the
// per-tenant policy resolver. Each tenant has exactly one effective
// policy, seeded from a named template at provisioning and mutable by
// tenant admins afterwards. There is no per-environment override layer.
package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

// Config is the typed drift policy configuration. It is stored as JSON
// in the tenant's policy row and validated before every write; unknown
// severities fall back to DefaultTTLHours at read time rather than
// failing the scan.
type Config struct {
	// AutoCreateIncidents enables incident auto-creation when a scan
	// finds drift.
	AutoCreateIncidents bool `json:"auto_create_incidents"`

	// AutoCreateForProductionOnly restricts auto-creation to
	// production-classified environments.
	AutoCreateForProductionOnly bool `json:"auto_create_for_production_only"`

	// BlockDeploymentsOnDrift makes any open incident deployment-blocking.
	BlockDeploymentsOnDrift bool `json:"block_deployments_on_drift"`

	// BlockDeploymentsOnExpired makes an expired incident deployment-blocking.
	BlockDeploymentsOnExpired bool `json:"block_deployments_on_expired"`

	// RequireApprovalForAcknowledge gates detected->acknowledged behind
	// an approved acknowledge approval.
	RequireApprovalForAcknowledge bool `json:"require_approval_for_acknowledge"`

	// RequireApprovalForClose gates closing behind an approved close approval.
	RequireApprovalForClose bool `json:"require_approval_for_close"`

	// NotifyOnExpirationWarning enables the pre-expiry warning notification.
	NotifyOnExpirationWarning bool `json:"notify_on_expiration_warning"`

	// ExpirationWarningHours is how long before expires_at the warning fires.
	ExpirationWarningHours int `json:"expiration_warning_hours" validate:"min=0"`

	// DefaultTTLHours is the fallback TTL when the severity table has no
	// entry for a computed severity.
	DefaultTTLHours int `json:"default_ttl_hours" validate:"min=1"`

	// TTLHoursBySeverity maps incident severity to its TTL in hours.
	TTLHoursBySeverity map[stores.Severity]int `json:"ttl_hours_by_severity" validate:"dive,min=1"`

	// HighSeverityDriftShare is the drifted-workflow share above which a
	// scan without runtime-missing production workflows is rated high.
	HighSeverityDriftShare float64 `json:"high_severity_drift_share" validate:"min=0,max=1"`

	// Retention configures the per-artifact retention windows.
	Retention RetentionConfig `json:"retention"`
}

// RetentionConfig holds the per-artifact retention windows in days.
type RetentionConfig struct {
	Enabled             bool `json:"enabled"`
	ClosedIncidentDays  int  `json:"closed_incident_days" validate:"min=1"`
	PayloadDays         int  `json:"payload_days" validate:"min=1"`
	CheckHistoryDays    int  `json:"check_history_days" validate:"min=1"`
	ApprovalDays        int  `json:"approval_days" validate:"min=1"`
	ArtifactDays        int  `json:"artifact_days" validate:"min=1"`
}

var validate = validator.New()

// Validate checks the configuration for structural and range errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid policy config: %w", err)
	}

	for severity := range c.TTLHoursBySeverity {
		switch severity {
		case stores.SeverityMedium, stores.SeverityHigh, stores.SeverityCritical:
		default:
			return fmt.Errorf("invalid policy config: unknown severity %q in TTL table", severity)
		}
	}

	if c.NotifyOnExpirationWarning && c.ExpirationWarningHours == 0 {
		return fmt.Errorf("invalid policy config: expiration warning enabled with zero warning hours")
	}

	return nil
}

// TTLFor returns the TTL for a severity, falling back to DefaultTTLHours
// when the table has no entry.
func (c *Config) TTLFor(severity stores.Severity) time.Duration {
	hours, ok := c.TTLHoursBySeverity[severity]
	if !ok || hours <= 0 {
		hours = c.DefaultTTLHours
	}
	return time.Duration(hours) * time.Hour
}

// RequiresApproval reports whether the given approval type gates its
// transition under this policy. extend_ttl always requires an approval
// record; it has no bypass toggle.
func (c *Config) RequiresApproval(approvalType stores.ApprovalType) bool {
	switch approvalType {
	case stores.ApprovalTypeAcknowledge:
		return c.RequireApprovalForAcknowledge
	case stores.ApprovalTypeClose:
		return c.RequireApprovalForClose
	case stores.ApprovalTypeExtendTTL:
		return true
	default:
		return false
	}
}

// Marshal serializes the configuration after validating it.
func (c *Config) Marshal() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy config: %w", err)
	}

	return string(data), nil
}

// Unmarshal parses a stored configuration blob.
func Unmarshal(data string) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal([]byte(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy config: %w", err)
	}
	return cfg, nil
}
