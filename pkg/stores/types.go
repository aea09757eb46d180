package stores

import (
	"context"
	"database/sql"
	"time"
)

// EnvironmentClass is the persisted classification of an environment.
// It is never inferred from names; policy decisions read this column only.
type EnvironmentClass string

const (
	EnvironmentClassDev        EnvironmentClass = "dev"
	EnvironmentClassStaging    EnvironmentClass = "staging"
	EnvironmentClassProduction EnvironmentClass = "production"
)

// MappingStatus represents the binding state between a canonical workflow
// and a provider-side workflow within one environment.
type MappingStatus string

const (
	MappingStatusLinked    MappingStatus = "linked"
	MappingStatusIgnored   MappingStatus = "ignored"
	MappingStatusDeleted   MappingStatus = "deleted"
	MappingStatusUntracked MappingStatus = "untracked"
	MappingStatusMissing   MappingStatus = "missing"
)

// DriftFlag is the per-workflow outcome of a drift check.
type DriftFlag string

const (
	DriftFlagInSync           DriftFlag = "in_sync"
	DriftFlagDrifted          DriftFlag = "drifted"
	DriftFlagMissingInGit     DriftFlag = "missing_in_git"
	DriftFlagMissingInRuntime DriftFlag = "missing_in_runtime"
)

// IncidentStatus represents the lifecycle stage of a drift incident.
// Status only moves forward; the expired marker is orthogonal.
type IncidentStatus string

const (
	IncidentStatusDetected     IncidentStatus = "detected"
	IncidentStatusAcknowledged IncidentStatus = "acknowledged"
	IncidentStatusStabilized   IncidentStatus = "stabilized"
	IncidentStatusReconciled   IncidentStatus = "reconciled"
	IncidentStatusClosed       IncidentStatus = "closed"
)

// Severity represents the computed severity of a drift incident.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ApprovalType identifies the incident transition an approval gates.
type ApprovalType string

const (
	ApprovalTypeAcknowledge ApprovalType = "acknowledge"
	ApprovalTypeClose       ApprovalType = "close"
	ApprovalTypeExtendTTL   ApprovalType = "extend_ttl"
)

// ApprovalStatus represents the state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// ArtifactType records the intended remediation action.
type ArtifactType string

const (
	ArtifactTypePromote ArtifactType = "promote"
	ArtifactTypeRevert  ArtifactType = "revert"
	ArtifactTypeReplace ArtifactType = "replace"
)

// ArtifactStatus represents the execution state of a remediation action.
type ArtifactStatus string

const (
	ArtifactStatusPending    ArtifactStatus = "pending"
	ArtifactStatusInProgress ArtifactStatus = "in_progress"
	ArtifactStatusSuccess    ArtifactStatus = "success"
	ArtifactStatusFailed     ArtifactStatus = "failed"
)

// Environment is a tenant-scoped deployment target for workflows.
type Environment struct {
	ID       string           `json:"id"`
	TenantID string           `json:"tenant_id"`
	Name     string           `json:"name"`
	Class    EnvironmentClass `json:"class"`
	Active   bool             `json:"active"`

	// ActiveIncidentID mirrors the open-incident uniqueness constraint.
	// Set when an incident is created, cleared on close.
	ActiveIncidentID *string `json:"active_incident_id,omitempty"`

	// Drift summary, refreshed after every successful scan.
	DriftStatus   string     `json:"drift_status"`
	DriftedCount  int        `json:"drifted_count"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanonicalWorkflow is the version-controlled source-of-truth identity
// of a workflow, with the fingerprint of its current canonical content.
type CanonicalWorkflow struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EnvironmentWorkflow binds a canonical workflow to a provider-side id
// within one environment. CanonicalID is nil for untracked workflows.
type EnvironmentWorkflow struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	EnvironmentID string        `json:"environment_id"`
	CanonicalID   *string       `json:"canonical_id,omitempty"`
	ProviderID    string        `json:"provider_id"`
	Status        MappingStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// DriftCheckHistory is one immutable scan record for an environment.
type DriftCheckHistory struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	EnvironmentID    string    `json:"environment_id"`
	CheckedAt        time.Time `json:"checked_at"`
	TotalWorkflows   int       `json:"total_workflows"`
	InSync           int       `json:"in_sync"`
	Drifted          int       `json:"drifted"`
	MissingInGit     int       `json:"missing_in_git"`
	MissingInRuntime int       `json:"missing_in_runtime"`
	Summary          string    `json:"summary"`
}

// DriftCheckWorkflowFlag is the per-workflow outcome row of one scan.
// Rows are removed only as a cascade of their parent history record.
type DriftCheckWorkflowFlag struct {
	ID           int64     `json:"id"`
	HistoryID    string    `json:"history_id"`
	CanonicalID  *string   `json:"canonical_id,omitempty"`
	ProviderID   *string   `json:"provider_id,omitempty"`
	WorkflowName string    `json:"workflow_name"`
	Flag         DriftFlag `json:"flag"`
}

// DriftIncident is the operational record of detected drift for one
// environment. At most one non-terminal incident exists per
// (tenant, environment); Version guards optimistic concurrency.
type DriftIncident struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	EnvironmentID string         `json:"environment_id"`
	Status        IncidentStatus `json:"status"`
	Severity      Severity       `json:"severity"`
	Owner         *string        `json:"owner,omitempty"`

	// Expired is orthogonal to Status and settable from any
	// non-terminal state by the sweeper.
	Expired               bool       `json:"expired"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	ExpirationWarningSent bool       `json:"expiration_warning_sent"`

	// AffectedWorkflows is a JSON array of canonical workflow IDs.
	AffectedWorkflows string `json:"affected_workflows"`

	DetectedAt     time.Time  `json:"detected_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	StabilizedAt   *time.Time `json:"stabilized_at,omitempty"`
	ReconciledAt   *time.Time `json:"reconciled_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	ExpiredAt      *time.Time `json:"expired_at,omitempty"`

	CreatedBy string     `json:"created_by"`
	LastActor string     `json:"last_actor"`
	Version   int64      `json:"version"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Terminal reports whether the incident has reached its terminal status.
// The expired marker alone does not make an incident terminal; an
// expired incident stays live-relevant until closed.
func (i *DriftIncident) Terminal() bool {
	return i.Status == IncidentStatusClosed
}

// IncidentPayload holds the bulky JSON attached to one incident
// (drift snapshot, resolution details), purgeable ahead of the
// incident metadata itself.
type IncidentPayload struct {
	IncidentID        string    `json:"incident_id"`
	Snapshot          string    `json:"snapshot"` // JSON blob
	ResolutionDetails *string   `json:"resolution_details,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DriftPolicy is the single effective policy row for a tenant. Config
// is the typed policy configuration serialized as JSON; it is validated
// before every write.
type DriftPolicy struct {
	TenantID  string    `json:"tenant_id"`
	Template  string    `json:"template"`
	Config    string    `json:"config"` // JSON blob, policy.Config
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DriftPolicyTemplate is a named default policy configuration.
// The system templates are Strict, Standard and Relaxed.
type DriftPolicyTemplate struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Config      string    `json:"config"` // JSON blob, policy.Config
	CreatedAt   time.Time `json:"created_at"`
}

// DriftApproval gates one transition type on one incident. At most one
// pending approval exists per (incident, type); decisions are terminal.
type DriftApproval struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	IncidentID     string         `json:"incident_id"`
	Type           ApprovalType   `json:"type"`
	Status         ApprovalStatus `json:"status"`
	RequestedBy    string         `json:"requested_by"`
	RequestedAt    time.Time      `json:"requested_at"`
	DecidedBy      *string        `json:"decided_by,omitempty"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	Notes          *string        `json:"notes,omitempty"`
	ExtensionHours *int           `json:"extension_hours,omitempty"`
}

// ReconciliationArtifact tracks one remediation action against an
// incident. Artifacts are append-only; retries are new artifacts.
type ReconciliationArtifact struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	IncidentID  string         `json:"incident_id"`
	Type        ArtifactType   `json:"type"`
	Status      ArtifactStatus `json:"status"`
	ExternalRef *string        `json:"external_ref,omitempty"`
	Error       *string        `json:"error,omitempty"`
	RequestedBy string         `json:"requested_by"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ScanLease is the per-(tenant, environment) mutual-exclusion lease
// preventing concurrent scans of the same environment.
type ScanLease struct {
	TenantID      string    `json:"tenant_id"`
	EnvironmentID string    `json:"environment_id"`
	Owner         string    `json:"owner"`
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// AuditEntry represents an audit trail entry for engine operations.
type AuditEntry struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Action    string    `json:"action"` // e.g., "incident.acknowledged", "approval.approved"
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Environment operations
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	ListEnvironments(ctx context.Context, tenantID string, activeOnly bool) ([]*Environment, error)
	UpdateEnvironmentDriftSummary(ctx context.Context, id, status string, driftedCount int, checkedAt time.Time) error
	SetActiveIncident(ctx context.Context, environmentID string, incidentID *string) error

	// Workflow mapping operations
	UpsertCanonicalWorkflow(ctx context.Context, wf *CanonicalWorkflow) error
	GetCanonicalWorkflow(ctx context.Context, id string) (*CanonicalWorkflow, error)
	UpsertEnvironmentWorkflow(ctx context.Context, mapping *EnvironmentWorkflow) error
	ListEnvironmentWorkflows(ctx context.Context, environmentID string) ([]*EnvironmentWorkflow, error)

	// Drift check history operations
	CreateDriftCheck(ctx context.Context, history *DriftCheckHistory, flags []*DriftCheckWorkflowFlag) error
	GetLatestDriftCheck(ctx context.Context, tenantID, environmentID string) (*DriftCheckHistory, error)
	ListDriftChecks(ctx context.Context, tenantID, environmentID string, limit, offset int) ([]*DriftCheckHistory, error)
	ListDriftCheckFlags(ctx context.Context, historyID string) ([]*DriftCheckWorkflowFlag, error)
	DeleteDriftChecksBefore(ctx context.Context, tenantID, environmentID string, cutoff time.Time, keepID string, limit int) (int64, error)

	// Incident operations
	CreateIncident(ctx context.Context, incident *DriftIncident, payload *IncidentPayload) error
	GetIncident(ctx context.Context, id string) (*DriftIncident, error)
	GetActiveIncident(ctx context.Context, tenantID, environmentID string) (*DriftIncident, error)
	ListIncidents(ctx context.Context, tenantID string, includeDeleted bool, limit, offset int) ([]*DriftIncident, error)
	ListOpenIncidentsWithTTL(ctx context.Context, limit int) ([]*DriftIncident, error)
	UpdateIncidentCAS(ctx context.Context, incident *DriftIncident, expectedVersion int64) error
	ListPurgeableIncidents(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]*DriftIncident, error)
	DeleteIncident(ctx context.Context, id string, expectedVersion int64) error

	// Incident payload operations
	GetIncidentPayload(ctx context.Context, incidentID string) (*IncidentPayload, error)
	UpdateIncidentPayload(ctx context.Context, payload *IncidentPayload) error
	DeleteIncidentPayloadsBefore(ctx context.Context, tenantID string, cutoff time.Time, limit int) (int64, error)

	// Policy operations
	CreatePolicy(ctx context.Context, policy *DriftPolicy) error
	GetPolicy(ctx context.Context, tenantID string) (*DriftPolicy, error)
	UpdatePolicy(ctx context.Context, policy *DriftPolicy) error
	GetPolicyTemplate(ctx context.Context, name string) (*DriftPolicyTemplate, error)
	ListPolicyTemplates(ctx context.Context) ([]*DriftPolicyTemplate, error)

	// Approval operations
	CreateApproval(ctx context.Context, approval *DriftApproval) error
	GetApproval(ctx context.Context, id string) (*DriftApproval, error)
	GetPendingApproval(ctx context.Context, incidentID string, approvalType ApprovalType) (*DriftApproval, error)
	GetDecidedApproval(ctx context.Context, incidentID string, approvalType ApprovalType, status ApprovalStatus) (*DriftApproval, error)
	DecideApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy string, notes *string, decidedAt time.Time) error
	ListApprovals(ctx context.Context, incidentID string) ([]*DriftApproval, error)
	DeleteApprovalsBefore(ctx context.Context, tenantID string, cutoff time.Time, limit int) (int64, error)

	// Reconciliation artifact operations
	CreateArtifact(ctx context.Context, artifact *ReconciliationArtifact) error
	GetArtifact(ctx context.Context, id string) (*ReconciliationArtifact, error)
	UpdateArtifactStatus(ctx context.Context, id string, status ArtifactStatus, externalRef, errMsg *string, at time.Time) error
	ListArtifacts(ctx context.Context, incidentID string) ([]*ReconciliationArtifact, error)
	CountArtifactsByStatus(ctx context.Context, incidentID string, status ArtifactStatus) (int, error)
	DeleteArtifactsBefore(ctx context.Context, tenantID string, cutoff time.Time, limit int) (int64, error)

	// Scan lease operations
	AcquireScanLease(ctx context.Context, tenantID, environmentID, owner string, ttl time.Duration) (*ScanLease, error)
	ReleaseScanLease(ctx context.Context, tenantID, environmentID, owner string) error

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, tenantID string, action *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	ListTenantIDs(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) error
}
