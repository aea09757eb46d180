package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors surfaced to the engine layer for classification.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates an optimistic-concurrency failure:
	// the row's version no longer matches the caller's observed version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrLeaseHeld indicates the scan lease for the environment is
	// currently held by another owner.
	ErrLeaseHeld = errors.New("scan lease held")

	// ErrDuplicateOpenIncident indicates an open incident already exists
	// for the (tenant, environment) pair.
	ErrDuplicateOpenIncident = errors.New("open incident already exists")

	// ErrDuplicatePendingApproval indicates a pending approval of the
	// same type already exists for the incident.
	ErrDuplicatePendingApproval = errors.New("pending approval already exists")
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateEnvironment creates a new environment record
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	query := `
		INSERT INTO environments (
			id, tenant_id, name, class, active, active_incident_id,
			drift_status, drifted_count, last_checked_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		env.ID,
		env.TenantID,
		env.Name,
		env.Class,
		env.Active,
		env.ActiveIncidentID,
		env.DriftStatus,
		env.DriftedCount,
		env.LastCheckedAt,
		env.CreatedAt,
		env.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create environment: %w", err)
	}

	return nil
}

// GetEnvironment retrieves an environment by ID
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	query := `
		SELECT id, tenant_id, name, class, active, active_incident_id,
			   drift_status, drifted_count, last_checked_at, created_at, updated_at
		FROM environments
		WHERE id = ?
	`

	env := &Environment{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&env.ID,
		&env.TenantID,
		&env.Name,
		&env.Class,
		&env.Active,
		&env.ActiveIncidentID,
		&env.DriftStatus,
		&env.DriftedCount,
		&env.LastCheckedAt,
		&env.CreatedAt,
		&env.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}

	return env, nil
}

// ListEnvironments lists environments for a tenant
func (s *SQLiteStore) ListEnvironments(ctx context.Context, tenantID string, activeOnly bool) ([]*Environment, error) {
	query := `
		SELECT id, tenant_id, name, class, active, active_incident_id,
			   drift_status, drifted_count, last_checked_at, created_at, updated_at
		FROM environments
		WHERE tenant_id = ? AND (? = 0 OR active = 1)
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	envs := []*Environment{}
	for rows.Next() {
		env := &Environment{}
		err := rows.Scan(
			&env.ID,
			&env.TenantID,
			&env.Name,
			&env.Class,
			&env.Active,
			&env.ActiveIncidentID,
			&env.DriftStatus,
			&env.DriftedCount,
			&env.LastCheckedAt,
			&env.CreatedAt,
			&env.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		envs = append(envs, env)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environments: %w", err)
	}

	return envs, nil
}

// UpdateEnvironmentDriftSummary refreshes an environment's drift summary
// after a scan.
func (s *SQLiteStore) UpdateEnvironmentDriftSummary(ctx context.Context, id, status string, driftedCount int, checkedAt time.Time) error {
	query := `
		UPDATE environments
		SET drift_status = ?, drifted_count = ?, last_checked_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, driftedCount, checkedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update environment drift summary: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}

	return nil
}

// SetActiveIncident updates the environment's active-incident pointer.
// Pass nil to clear it on close.
func (s *SQLiteStore) SetActiveIncident(ctx context.Context, environmentID string, incidentID *string) error {
	query := `UPDATE environments SET active_incident_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, incidentID, environmentID)
	if err != nil {
		return fmt.Errorf("failed to set active incident: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("environment %s: %w", environmentID, ErrNotFound)
	}

	return nil
}

// UpsertCanonicalWorkflow inserts or updates a canonical workflow
func (s *SQLiteStore) UpsertCanonicalWorkflow(ctx context.Context, wf *CanonicalWorkflow) error {
	query := `
		INSERT INTO canonical_workflows (id, tenant_id, name, fingerprint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		wf.ID,
		wf.TenantID,
		wf.Name,
		wf.Fingerprint,
		wf.CreatedAt,
		wf.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert canonical workflow: %w", err)
	}

	return nil
}

// GetCanonicalWorkflow retrieves a canonical workflow by ID
func (s *SQLiteStore) GetCanonicalWorkflow(ctx context.Context, id string) (*CanonicalWorkflow, error) {
	query := `
		SELECT id, tenant_id, name, fingerprint, created_at, updated_at
		FROM canonical_workflows
		WHERE id = ?
	`

	wf := &CanonicalWorkflow{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&wf.ID,
		&wf.TenantID,
		&wf.Name,
		&wf.Fingerprint,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("canonical workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get canonical workflow: %w", err)
	}

	return wf, nil
}

// UpsertEnvironmentWorkflow inserts or updates an environment workflow mapping
func (s *SQLiteStore) UpsertEnvironmentWorkflow(ctx context.Context, mapping *EnvironmentWorkflow) error {
	query := `
		INSERT INTO environment_workflows (
			id, tenant_id, environment_id, canonical_id, provider_id, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(environment_id, provider_id) DO UPDATE SET
			canonical_id = excluded.canonical_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		mapping.ID,
		mapping.TenantID,
		mapping.EnvironmentID,
		mapping.CanonicalID,
		mapping.ProviderID,
		mapping.Status,
		mapping.CreatedAt,
		mapping.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert environment workflow: %w", err)
	}

	return nil
}

// ListEnvironmentWorkflows lists all workflow mappings for an environment
func (s *SQLiteStore) ListEnvironmentWorkflows(ctx context.Context, environmentID string) ([]*EnvironmentWorkflow, error) {
	query := `
		SELECT id, tenant_id, environment_id, canonical_id, provider_id, status, created_at, updated_at
		FROM environment_workflows
		WHERE environment_id = ?
		ORDER BY provider_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environment workflows: %w", err)
	}
	defer rows.Close()

	mappings := []*EnvironmentWorkflow{}
	for rows.Next() {
		mapping := &EnvironmentWorkflow{}
		err := rows.Scan(
			&mapping.ID,
			&mapping.TenantID,
			&mapping.EnvironmentID,
			&mapping.CanonicalID,
			&mapping.ProviderID,
			&mapping.Status,
			&mapping.CreatedAt,
			&mapping.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment workflow: %w", err)
		}
		mappings = append(mappings, mapping)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environment workflows: %w", err)
	}

	return mappings, nil
}

// CreateDriftCheck writes one immutable scan record with its per-workflow
// flags in a single transaction.
func (s *SQLiteStore) CreateDriftCheck(ctx context.Context, history *DriftCheckHistory, flags []*DriftCheckWorkflowFlag) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	historyQuery := `
		INSERT INTO drift_check_history (
			id, tenant_id, environment_id, checked_at, total_workflows,
			in_sync, drifted, missing_in_git, missing_in_runtime, summary
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, historyQuery,
		history.ID,
		history.TenantID,
		history.EnvironmentID,
		history.CheckedAt,
		history.TotalWorkflows,
		history.InSync,
		history.Drifted,
		history.MissingInGit,
		history.MissingInRuntime,
		history.Summary,
	)
	if err != nil {
		return fmt.Errorf("failed to create drift check history: %w", err)
	}

	flagQuery := `
		INSERT INTO drift_check_workflow_flags (history_id, canonical_id, provider_id, workflow_name, flag)
		VALUES (?, ?, ?, ?, ?)
	`

	for _, flag := range flags {
		result, err := tx.ExecContext(ctx, flagQuery,
			history.ID,
			flag.CanonicalID,
			flag.ProviderID,
			flag.WorkflowName,
			flag.Flag,
		)
		if err != nil {
			return fmt.Errorf("failed to create drift check flag: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get flag ID: %w", err)
		}
		flag.ID = id
		flag.HistoryID = history.ID
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit drift check: %w", err)
	}

	return nil
}

func scanDriftCheck(scanner interface{ Scan(...any) error }) (*DriftCheckHistory, error) {
	history := &DriftCheckHistory{}
	err := scanner.Scan(
		&history.ID,
		&history.TenantID,
		&history.EnvironmentID,
		&history.CheckedAt,
		&history.TotalWorkflows,
		&history.InSync,
		&history.Drifted,
		&history.MissingInGit,
		&history.MissingInRuntime,
		&history.Summary,
	)
	if err != nil {
		return nil, err
	}
	return history, nil
}

const driftCheckColumns = `id, tenant_id, environment_id, checked_at, total_workflows,
		   in_sync, drifted, missing_in_git, missing_in_runtime, summary`

// GetLatestDriftCheck retrieves the most recent scan record for an environment
func (s *SQLiteStore) GetLatestDriftCheck(ctx context.Context, tenantID, environmentID string) (*DriftCheckHistory, error) {
	query := `
		SELECT ` + driftCheckColumns + `
		FROM drift_check_history
		WHERE tenant_id = ? AND environment_id = ?
		ORDER BY checked_at DESC
		LIMIT 1
	`

	history, err := scanDriftCheck(s.db.QueryRowContext(ctx, query, tenantID, environmentID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("drift check for environment %s: %w", environmentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest drift check: %w", err)
	}

	return history, nil
}

// ListDriftChecks lists scan records for an environment with pagination
func (s *SQLiteStore) ListDriftChecks(ctx context.Context, tenantID, environmentID string, limit, offset int) ([]*DriftCheckHistory, error) {
	query := `
		SELECT ` + driftCheckColumns + `
		FROM drift_check_history
		WHERE tenant_id = ? AND environment_id = ?
		ORDER BY checked_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, environmentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift checks: %w", err)
	}
	defer rows.Close()

	histories := []*DriftCheckHistory{}
	for rows.Next() {
		history, err := scanDriftCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drift check: %w", err)
		}
		histories = append(histories, history)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating drift checks: %w", err)
	}

	return histories, nil
}

// ListDriftCheckFlags lists the per-workflow flags of one scan record
func (s *SQLiteStore) ListDriftCheckFlags(ctx context.Context, historyID string) ([]*DriftCheckWorkflowFlag, error) {
	query := `
		SELECT id, history_id, canonical_id, provider_id, workflow_name, flag
		FROM drift_check_workflow_flags
		WHERE history_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, historyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift check flags: %w", err)
	}
	defer rows.Close()

	flags := []*DriftCheckWorkflowFlag{}
	for rows.Next() {
		flag := &DriftCheckWorkflowFlag{}
		err := rows.Scan(
			&flag.ID,
			&flag.HistoryID,
			&flag.CanonicalID,
			&flag.ProviderID,
			&flag.WorkflowName,
			&flag.Flag,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drift check flag: %w", err)
		}
		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating drift check flags: %w", err)
	}

	return flags, nil
}

// DeleteDriftChecksBefore deletes scan records older than cutoff, always
// excluding keepID (the most recent record for the environment). Flags
// cascade with their parent.
func (s *SQLiteStore) DeleteDriftChecksBefore(ctx context.Context, tenantID, environmentID string, cutoff time.Time, keepID string, limit int) (int64, error) {
	query := `
		DELETE FROM drift_check_history
		WHERE id IN (
			SELECT id FROM drift_check_history
			WHERE tenant_id = ? AND environment_id = ? AND checked_at < ? AND id != ?
			ORDER BY checked_at ASC
			LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, tenantID, environmentID, cutoff, keepID, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete drift checks: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

const incidentColumns = `id, tenant_id, environment_id, status, severity, owner,
		   expired, expires_at, expiration_warning_sent, affected_workflows,
		   detected_at, acknowledged_at, stabilized_at, reconciled_at, closed_at, expired_at,
		   created_by, last_actor, version, deleted_at, created_at, updated_at`

func scanIncident(scanner interface{ Scan(...any) error }) (*DriftIncident, error) {
	incident := &DriftIncident{}
	err := scanner.Scan(
		&incident.ID,
		&incident.TenantID,
		&incident.EnvironmentID,
		&incident.Status,
		&incident.Severity,
		&incident.Owner,
		&incident.Expired,
		&incident.ExpiresAt,
		&incident.ExpirationWarningSent,
		&incident.AffectedWorkflows,
		&incident.DetectedAt,
		&incident.AcknowledgedAt,
		&incident.StabilizedAt,
		&incident.ReconciledAt,
		&incident.ClosedAt,
		&incident.ExpiredAt,
		&incident.CreatedBy,
		&incident.LastActor,
		&incident.Version,
		&incident.DeletedAt,
		&incident.CreatedAt,
		&incident.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return incident, nil
}

// CreateIncident creates a new incident together with its payload and
// sets the environment's active-incident pointer, all in one transaction.
// The partial unique index on open incidents enforces the one-active
// invariant; a violation is reported as ErrDuplicateOpenIncident.
func (s *SQLiteStore) CreateIncident(ctx context.Context, incident *DriftIncident, payload *IncidentPayload) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	incidentQuery := `
		INSERT INTO drift_incidents (
			id, tenant_id, environment_id, status, severity, owner,
			expired, expires_at, expiration_warning_sent, affected_workflows,
			detected_at, acknowledged_at, stabilized_at, reconciled_at, closed_at, expired_at,
			created_by, last_actor, version, deleted_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, incidentQuery,
		incident.ID,
		incident.TenantID,
		incident.EnvironmentID,
		incident.Status,
		incident.Severity,
		incident.Owner,
		incident.Expired,
		incident.ExpiresAt,
		incident.ExpirationWarningSent,
		incident.AffectedWorkflows,
		incident.DetectedAt,
		incident.AcknowledgedAt,
		incident.StabilizedAt,
		incident.ReconciledAt,
		incident.ClosedAt,
		incident.ExpiredAt,
		incident.CreatedBy,
		incident.LastActor,
		incident.Version,
		incident.DeletedAt,
		incident.CreatedAt,
		incident.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("incident for environment %s: %w", incident.EnvironmentID, ErrDuplicateOpenIncident)
		}
		return fmt.Errorf("failed to create incident: %w", err)
	}

	if payload != nil {
		payloadQuery := `
			INSERT INTO incident_payloads (incident_id, snapshot, resolution_details, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, payloadQuery,
			payload.IncidentID,
			payload.Snapshot,
			payload.ResolutionDetails,
			payload.CreatedAt,
			payload.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create incident payload: %w", err)
		}
	}

	pointerQuery := `UPDATE environments SET active_incident_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := tx.ExecContext(ctx, pointerQuery, incident.ID, incident.EnvironmentID); err != nil {
		return fmt.Errorf("failed to set active incident pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit incident: %w", err)
	}

	return nil
}

// GetIncident retrieves an incident by ID
func (s *SQLiteStore) GetIncident(ctx context.Context, id string) (*DriftIncident, error) {
	query := `SELECT ` + incidentColumns + ` FROM drift_incidents WHERE id = ?`

	incident, err := scanIncident(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	return incident, nil
}

// GetActiveIncident retrieves the open incident for an environment, if any
func (s *SQLiteStore) GetActiveIncident(ctx context.Context, tenantID, environmentID string) (*DriftIncident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM drift_incidents
		WHERE tenant_id = ? AND environment_id = ? AND status != 'closed' AND deleted_at IS NULL
	`

	incident, err := scanIncident(s.db.QueryRowContext(ctx, query, tenantID, environmentID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("active incident for environment %s: %w", environmentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active incident: %w", err)
	}

	return incident, nil
}

// ListIncidents lists incidents for a tenant with pagination
func (s *SQLiteStore) ListIncidents(ctx context.Context, tenantID string, includeDeleted bool, limit, offset int) ([]*DriftIncident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM drift_incidents
		WHERE tenant_id = ? AND (? = 1 OR deleted_at IS NULL)
		ORDER BY detected_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, includeDeleted, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*DriftIncident{}
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}

	return incidents, nil
}

// ListOpenIncidentsWithTTL lists open incidents that carry an expiry
// deadline, for the TTL sweeper.
func (s *SQLiteStore) ListOpenIncidentsWithTTL(ctx context.Context, limit int) ([]*DriftIncident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM drift_incidents
		WHERE status != 'closed' AND deleted_at IS NULL AND expires_at IS NOT NULL
		ORDER BY expires_at ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*DriftIncident{}
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}

	return incidents, nil
}

// UpdateIncidentCAS writes the incident's mutable fields using
// compare-and-swap on the version column. On a mismatch the row is left
// untouched and ErrVersionConflict is returned; the caller re-reads and
// retries. On success the incident's Version is advanced in place.
func (s *SQLiteStore) UpdateIncidentCAS(ctx context.Context, incident *DriftIncident, expectedVersion int64) error {
	query := `
		UPDATE drift_incidents
		SET status = ?, severity = ?, owner = ?,
			expired = ?, expires_at = ?, expiration_warning_sent = ?, affected_workflows = ?,
			acknowledged_at = ?, stabilized_at = ?, reconciled_at = ?, closed_at = ?, expired_at = ?,
			last_actor = ?, deleted_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		incident.Status,
		incident.Severity,
		incident.Owner,
		incident.Expired,
		incident.ExpiresAt,
		incident.ExpirationWarningSent,
		incident.AffectedWorkflows,
		incident.AcknowledgedAt,
		incident.StabilizedAt,
		incident.ReconciledAt,
		incident.ClosedAt,
		incident.ExpiredAt,
		incident.LastActor,
		incident.DeletedAt,
		incident.UpdatedAt,
		incident.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		var exists bool
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM drift_incidents WHERE id = ?)`, incident.ID).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("failed to check incident existence: %w", checkErr)
		}
		if !exists {
			return fmt.Errorf("incident %s: %w", incident.ID, ErrNotFound)
		}
		return fmt.Errorf("incident %s at version %d: %w", incident.ID, expectedVersion, ErrVersionConflict)
	}

	incident.Version = expectedVersion + 1
	return nil
}

// ListPurgeableIncidents lists soft-deletable incident candidates for the
// retention purger: closed or expired, past the cutoff.
func (s *SQLiteStore) ListPurgeableIncidents(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]*DriftIncident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM drift_incidents
		WHERE tenant_id = ?
		  AND (status = 'closed' OR expired = 1)
		  AND COALESCE(closed_at, expired_at) < ?
		ORDER BY COALESCE(closed_at, expired_at) ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purgeable incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*DriftIncident{}
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}

	return incidents, nil
}

// DeleteIncident hard-deletes an incident and its cascaded children.
// The version check makes purge mutually exclusive with a concurrent
// transition on the same incident.
func (s *SQLiteStore) DeleteIncident(ctx context.Context, id string, expectedVersion int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM drift_incidents WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete incident: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		var exists bool
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM drift_incidents WHERE id = ?)`, id).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("failed to check incident existence: %w", checkErr)
		}
		if !exists {
			return fmt.Errorf("incident %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("incident %s at version %d: %w", id, expectedVersion, ErrVersionConflict)
	}

	return nil
}

// GetIncidentPayload retrieves the payload attached to an incident
func (s *SQLiteStore) GetIncidentPayload(ctx context.Context, incidentID string) (*IncidentPayload, error) {
	query := `
		SELECT incident_id, snapshot, resolution_details, created_at, updated_at
		FROM incident_payloads
		WHERE incident_id = ?
	`

	payload := &IncidentPayload{}
	err := s.db.QueryRowContext(ctx, query, incidentID).Scan(
		&payload.IncidentID,
		&payload.Snapshot,
		&payload.ResolutionDetails,
		&payload.CreatedAt,
		&payload.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payload for incident %s: %w", incidentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident payload: %w", err)
	}

	return payload, nil
}

// UpdateIncidentPayload updates the payload attached to an incident
func (s *SQLiteStore) UpdateIncidentPayload(ctx context.Context, payload *IncidentPayload) error {
	query := `
		UPDATE incident_payloads
		SET snapshot = ?, resolution_details = ?, updated_at = ?
		WHERE incident_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		payload.Snapshot,
		payload.ResolutionDetails,
		payload.UpdatedAt,
		payload.IncidentID,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident payload: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("payload for incident %s: %w", payload.IncidentID, ErrNotFound)
	}

	return nil
}

// DeleteIncidentPayloadsBefore deletes payloads of closed or expired
// incidents past the cutoff. Payloads of live incidents are never touched.
func (s *SQLiteStore) DeleteIncidentPayloadsBefore(ctx context.Context, tenantID string, cutoff time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM incident_payloads
		WHERE incident_id IN (
			SELECT i.id
			FROM drift_incidents i
			JOIN incident_payloads p ON p.incident_id = i.id
			WHERE i.tenant_id = ?
			  AND (i.status = 'closed' OR i.expired = 1)
			  AND COALESCE(i.closed_at, i.expired_at) < ?
			LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, tenantID, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete incident payloads: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// CreatePolicy creates the tenant's policy row
func (s *SQLiteStore) CreatePolicy(ctx context.Context, policy *DriftPolicy) error {
	query := `
		INSERT INTO drift_policies (tenant_id, template, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		policy.TenantID,
		policy.Template,
		policy.Config,
		policy.CreatedAt,
		policy.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}

	return nil
}

// GetPolicy retrieves the tenant's policy row
func (s *SQLiteStore) GetPolicy(ctx context.Context, tenantID string) (*DriftPolicy, error) {
	query := `
		SELECT tenant_id, template, config, created_at, updated_at
		FROM drift_policies
		WHERE tenant_id = ?
	`

	policy := &DriftPolicy{}
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&policy.TenantID,
		&policy.Template,
		&policy.Config,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("policy for tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	return policy, nil
}

// UpdatePolicy updates the tenant's policy row
func (s *SQLiteStore) UpdatePolicy(ctx context.Context, policy *DriftPolicy) error {
	query := `
		UPDATE drift_policies
		SET template = ?, config = ?, updated_at = ?
		WHERE tenant_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		policy.Template,
		policy.Config,
		policy.UpdatedAt,
		policy.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("policy for tenant %s: %w", policy.TenantID, ErrNotFound)
	}

	return nil
}

// GetPolicyTemplate retrieves a policy template by name
func (s *SQLiteStore) GetPolicyTemplate(ctx context.Context, name string) (*DriftPolicyTemplate, error) {
	query := `
		SELECT name, description, config, created_at
		FROM drift_policy_templates
		WHERE name = ?
	`

	template := &DriftPolicyTemplate{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&template.Name,
		&template.Description,
		&template.Config,
		&template.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("policy template %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy template: %w", err)
	}

	return template, nil
}

// ListPolicyTemplates lists all policy templates
func (s *SQLiteStore) ListPolicyTemplates(ctx context.Context) ([]*DriftPolicyTemplate, error) {
	query := `
		SELECT name, description, config, created_at
		FROM drift_policy_templates
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy templates: %w", err)
	}
	defer rows.Close()

	templates := []*DriftPolicyTemplate{}
	for rows.Next() {
		template := &DriftPolicyTemplate{}
		err := rows.Scan(
			&template.Name,
			&template.Description,
			&template.Config,
			&template.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy template: %w", err)
		}
		templates = append(templates, template)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy templates: %w", err)
	}

	return templates, nil
}

const approvalColumns = `id, tenant_id, incident_id, type, status, requested_by, requested_at,
		   decided_by, decided_at, notes, extension_hours`

func scanApproval(scanner interface{ Scan(...any) error }) (*DriftApproval, error) {
	approval := &DriftApproval{}
	err := scanner.Scan(
		&approval.ID,
		&approval.TenantID,
		&approval.IncidentID,
		&approval.Type,
		&approval.Status,
		&approval.RequestedBy,
		&approval.RequestedAt,
		&approval.DecidedBy,
		&approval.DecidedAt,
		&approval.Notes,
		&approval.ExtensionHours,
	)
	if err != nil {
		return nil, err
	}
	return approval, nil
}

// CreateApproval creates an approval request. The partial unique index on
// pending approvals rejects a second pending request of the same type.
func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *DriftApproval) error {
	query := `
		INSERT INTO drift_approvals (
			id, tenant_id, incident_id, type, status, requested_by, requested_at,
			decided_by, decided_at, notes, extension_hours
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		approval.ID,
		approval.TenantID,
		approval.IncidentID,
		approval.Type,
		approval.Status,
		approval.RequestedBy,
		approval.RequestedAt,
		approval.DecidedBy,
		approval.DecidedAt,
		approval.Notes,
		approval.ExtensionHours,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("approval %s for incident %s: %w", approval.Type, approval.IncidentID, ErrDuplicatePendingApproval)
		}
		return fmt.Errorf("failed to create approval: %w", err)
	}

	return nil
}

// GetApproval retrieves an approval by ID
func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*DriftApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM drift_approvals WHERE id = ?`

	approval, err := scanApproval(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}

	return approval, nil
}

// GetPendingApproval retrieves the pending approval of one type for an incident
func (s *SQLiteStore) GetPendingApproval(ctx context.Context, incidentID string, approvalType ApprovalType) (*DriftApproval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM drift_approvals
		WHERE incident_id = ? AND type = ? AND status = 'pending'
	`

	approval, err := scanApproval(s.db.QueryRowContext(ctx, query, incidentID, approvalType))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pending %s approval for incident %s: %w", approvalType, incidentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending approval: %w", err)
	}

	return approval, nil
}

// GetDecidedApproval retrieves the most recent approval of one type and
// status for an incident.
func (s *SQLiteStore) GetDecidedApproval(ctx context.Context, incidentID string, approvalType ApprovalType, status ApprovalStatus) (*DriftApproval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM drift_approvals
		WHERE incident_id = ? AND type = ? AND status = ?
		ORDER BY decided_at DESC
		LIMIT 1
	`

	approval, err := scanApproval(s.db.QueryRowContext(ctx, query, incidentID, approvalType, status))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s %s approval for incident %s: %w", status, approvalType, incidentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decided approval: %w", err)
	}

	return approval, nil
}

// DecideApproval finalizes a pending approval. Decisions are terminal:
// the update only applies while the approval is still pending.
func (s *SQLiteStore) DecideApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy string, notes *string, decidedAt time.Time) error {
	query := `
		UPDATE drift_approvals
		SET status = ?, decided_by = ?, decided_at = ?, notes = ?
		WHERE id = ? AND status = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query, status, decidedBy, decidedAt, notes, id)
	if err != nil {
		return fmt.Errorf("failed to decide approval: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		var exists bool
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM drift_approvals WHERE id = ?)`, id).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("failed to check approval existence: %w", checkErr)
		}
		if !exists {
			return fmt.Errorf("approval %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("approval %s already decided: %w", id, ErrVersionConflict)
	}

	return nil
}

// ListApprovals lists all approvals for an incident
func (s *SQLiteStore) ListApprovals(ctx context.Context, incidentID string) ([]*DriftApproval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM drift_approvals
		WHERE incident_id = ?
		ORDER BY requested_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	approvals := []*DriftApproval{}
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, approval)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	return approvals, nil
}

// DeleteApprovalsBefore deletes decided approvals older than cutoff.
// Pending approvals are never deleted by retention.
func (s *SQLiteStore) DeleteApprovalsBefore(ctx context.Context, tenantID string, cutoff time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM drift_approvals
		WHERE id IN (
			SELECT id FROM drift_approvals
			WHERE tenant_id = ? AND status != 'pending' AND decided_at < ?
			ORDER BY decided_at ASC
			LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, tenantID, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete approvals: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

const artifactColumns = `id, tenant_id, incident_id, type, status, external_ref, error,
		   requested_by, created_at, started_at, completed_at`

func scanArtifact(scanner interface{ Scan(...any) error }) (*ReconciliationArtifact, error) {
	artifact := &ReconciliationArtifact{}
	err := scanner.Scan(
		&artifact.ID,
		&artifact.TenantID,
		&artifact.IncidentID,
		&artifact.Type,
		&artifact.Status,
		&artifact.ExternalRef,
		&artifact.Error,
		&artifact.RequestedBy,
		&artifact.CreatedAt,
		&artifact.StartedAt,
		&artifact.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// CreateArtifact creates a new reconciliation artifact record
func (s *SQLiteStore) CreateArtifact(ctx context.Context, artifact *ReconciliationArtifact) error {
	query := `
		INSERT INTO reconciliation_artifacts (
			id, tenant_id, incident_id, type, status, external_ref, error,
			requested_by, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		artifact.ID,
		artifact.TenantID,
		artifact.IncidentID,
		artifact.Type,
		artifact.Status,
		artifact.ExternalRef,
		artifact.Error,
		artifact.RequestedBy,
		artifact.CreatedAt,
		artifact.StartedAt,
		artifact.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}

	return nil
}

// GetArtifact retrieves a reconciliation artifact by ID
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*ReconciliationArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM reconciliation_artifacts WHERE id = ?`

	artifact, err := scanArtifact(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	return artifact, nil
}

// UpdateArtifactStatus advances an artifact's execution status. Terminal
// artifacts are never updated again.
func (s *SQLiteStore) UpdateArtifactStatus(ctx context.Context, id string, status ArtifactStatus, externalRef, errMsg *string, at time.Time) error {
	query := `
		UPDATE reconciliation_artifacts
		SET status = ?,
			external_ref = COALESCE(?, external_ref),
			error = ?,
			started_at = CASE WHEN started_at IS NULL AND ? = 'in_progress' THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? IN ('success', 'failed') THEN ? ELSE completed_at END
		WHERE id = ? AND status NOT IN ('success', 'failed')
	`

	result, err := s.db.ExecContext(ctx, query, status, externalRef, errMsg, status, at, status, at, id)
	if err != nil {
		return fmt.Errorf("failed to update artifact status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		var exists bool
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM reconciliation_artifacts WHERE id = ?)`, id).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("failed to check artifact existence: %w", checkErr)
		}
		if !exists {
			return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("artifact %s already terminal: %w", id, ErrVersionConflict)
	}

	return nil
}

// ListArtifacts lists all reconciliation artifacts for an incident
func (s *SQLiteStore) ListArtifacts(ctx context.Context, incidentID string) ([]*ReconciliationArtifact, error) {
	query := `
		SELECT ` + artifactColumns + `
		FROM reconciliation_artifacts
		WHERE incident_id = ?
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []*ReconciliationArtifact{}
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}

// CountArtifactsByStatus counts an incident's artifacts in one status
func (s *SQLiteStore) CountArtifactsByStatus(ctx context.Context, incidentID string, status ArtifactStatus) (int, error) {
	query := `SELECT COUNT(*) FROM reconciliation_artifacts WHERE incident_id = ? AND status = ?`

	var count int
	if err := s.db.QueryRowContext(ctx, query, incidentID, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count artifacts: %w", err)
	}

	return count, nil
}

// DeleteArtifactsBefore deletes terminal artifacts older than cutoff
func (s *SQLiteStore) DeleteArtifactsBefore(ctx context.Context, tenantID string, cutoff time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM reconciliation_artifacts
		WHERE id IN (
			SELECT id FROM reconciliation_artifacts
			WHERE tenant_id = ? AND status IN ('success', 'failed') AND completed_at < ?
			ORDER BY completed_at ASC
			LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, tenantID, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete artifacts: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// AcquireScanLease acquires the per-(tenant, environment) scan lease.
// An unexpired lease held by another owner yields ErrLeaseHeld; an
// expired lease is stolen.
func (s *SQLiteStore) AcquireScanLease(ctx context.Context, tenantID, environmentID, owner string, ttl time.Duration) (*ScanLease, error) {
	now := time.Now().UTC()
	lease := &ScanLease{
		TenantID:      tenantID,
		EnvironmentID: environmentID,
		Owner:         owner,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(ttl),
	}

	query := `
		INSERT INTO scan_leases (tenant_id, environment_id, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, environment_id) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE scan_leases.expires_at <= excluded.acquired_at
	`

	result, err := s.db.ExecContext(ctx, query,
		lease.TenantID,
		lease.EnvironmentID,
		lease.Owner,
		lease.AcquiredAt,
		lease.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire scan lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return nil, fmt.Errorf("scan lease for environment %s: %w", environmentID, ErrLeaseHeld)
	}

	return lease, nil
}

// ReleaseScanLease releases the scan lease if still held by owner
func (s *SQLiteStore) ReleaseScanLease(ctx context.Context, tenantID, environmentID, owner string) error {
	query := `DELETE FROM scan_leases WHERE tenant_id = ? AND environment_id = ? AND owner = ?`

	if _, err := s.db.ExecContext(ctx, query, tenantID, environmentID, owner); err != nil {
		return fmt.Errorf("failed to release scan lease: %w", err)
	}

	return nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (tenant_id, action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.TenantID,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional action filter and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, tenantID string, action *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, tenant_id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE tenant_id = ?
		  AND (? IS NULL OR action = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, action, action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.TenantID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// ListTenantIDs lists the distinct tenant IDs known to the store
func (s *SQLiteStore) ListTenantIDs(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT tenant_id FROM environments ORDER BY tenant_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant IDs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant ID: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant IDs: %w", err)
	}

	return ids, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
