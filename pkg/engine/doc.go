// Package engine implements drift detection and incident reconciliation
// for automation workflow deployments.
//
// The engine compares canonical (version-controlled) workflow
// definitions against what is actually deployed in each environment,
// records every scan as an immutable drift check, and manages the
// incidents that drift opens: a forward-only lifecycle (detected,
// acknowledged, stabilized, reconciled, closed) with guarded
// transitions, approval gates, TTL expiry, and retention purging.
//
// Concurrency follows two rules. Scans of one tenant fan out over a
// bounded worker pool with a per-environment lease so no two scans of
// the same environment run at once. Incident writes go through
// optimistic concurrency on a version column; a losing writer gets a
// conflict error and re-reads, except expiry, which retries until it
// lands.
//
// External collaborators enter through two interfaces: WorkflowSource
// supplies definitions and fingerprints, Notifier delivers expiry
// warnings. Both are injected; the engine never talks to providers
// directly.
package engine
