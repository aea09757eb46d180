// Package stores provides the persistence layer for the drift detection
// and incident reconciliation engine, including the Store interface and
// its SQLite implementation.
package stores
