package engine

import (
	"time"

	"github.com/driftwatch/driftwatch/pkg/stores"
)

// WorkflowDefinition is one side of a drift comparison: a workflow's
// definition content together with its caller-supplied fingerprint.
// The engine never inspects Content; all comparison happens on the
// fingerprint.
type WorkflowDefinition struct {
	// Name is the human-readable workflow name.
	Name string `json:"name"`

	// Content is the raw definition, carried into incident snapshots.
	Content string `json:"content"`

	// Fingerprint is the normalized content hash supplied by the
	// workflow source.
	Fingerprint string `json:"fingerprint"`
}

// ComparisonInput is one mapped workflow's canonical and live sides.
// Either side may be nil (absent).
type ComparisonInput struct {
	Mapping   *stores.EnvironmentWorkflow
	Canonical *WorkflowDefinition
	Live      *WorkflowDefinition
}

// WorkflowComparison is the comparator outcome for one workflow.
type WorkflowComparison struct {
	Mapping *stores.EnvironmentWorkflow
	Name    string
	Flag    stores.DriftFlag
}

// EnvironmentScanResult is the outcome of scanning one environment.
// Exactly one of History or Err is set: a reachable environment yields
// a snapshot, an unreachable one yields its isolated failure.
type EnvironmentScanResult struct {
	EnvironmentID string
	Environment   string

	// History is the persisted scan record on success.
	History *stores.DriftCheckHistory

	// Comparisons holds the per-workflow outcomes on success.
	Comparisons []WorkflowComparison

	// Incident is the incident created or merged by this scan, if any.
	Incident *stores.DriftIncident

	// IncidentMerged is true when the scan folded into an already-open
	// incident instead of creating a new one.
	IncidentMerged bool

	// Err is the per-environment failure, if the scan did not complete.
	Err error

	Duration time.Duration
}

// DriftFound reports whether the scan found any divergence.
func (r *EnvironmentScanResult) DriftFound() bool {
	if r.History == nil {
		return false
	}
	return r.History.Drifted > 0 || r.History.MissingInGit > 0 || r.History.MissingInRuntime > 0
}

// TenantScanResult aggregates the per-environment outcomes of one
// tenant-wide scan.
type TenantScanResult struct {
	TenantID     string
	StartedAt    time.Time
	Duration     time.Duration
	Environments []*EnvironmentScanResult
}

// Failed returns the environments whose scans did not complete.
func (r *TenantScanResult) Failed() []*EnvironmentScanResult {
	failed := []*EnvironmentScanResult{}
	for _, env := range r.Environments {
		if env.Err != nil {
			failed = append(failed, env)
		}
	}
	return failed
}

// SweepResult summarizes one TTL sweeper pass.
type SweepResult struct {
	Scanned        int
	Expired        int
	WarningsSent   int
	Conflicts      int
	NotifyFailures int
}

// PurgeResult summarizes one retention purger pass.
type PurgeResult struct {
	Tenants          int
	IncidentsDeleted int64
	PayloadsDeleted  int64
	ChecksDeleted    int64
	ApprovalsDeleted int64
	ArtifactsDeleted int64
	Skipped          int
}

// snapshot is the JSON structure stored in an incident payload.
type snapshot struct {
	HistoryID string            `json:"history_id"`
	CheckedAt time.Time         `json:"checked_at"`
	Counts    snapshotCounts    `json:"counts"`
	Workflows []snapshotWorkflow `json:"workflows"`
}

type snapshotCounts struct {
	Total            int `json:"total"`
	InSync           int `json:"in_sync"`
	Drifted          int `json:"drifted"`
	MissingInGit     int `json:"missing_in_git"`
	MissingInRuntime int `json:"missing_in_runtime"`
}

type snapshotWorkflow struct {
	Name        string           `json:"name"`
	CanonicalID *string          `json:"canonical_id,omitempty"`
	ProviderID  *string          `json:"provider_id,omitempty"`
	Flag        stores.DriftFlag `json:"flag"`
}
