// Package config loads and validates the daemon and CLI configuration.
//
// Configuration is a single YAML file merged over built-in defaults, so
// a missing file or an empty path is a valid zero-configuration start.
// Structural validation runs at load time; the typed policy
// configuration stored per tenant is validated separately by the policy
// package at write time.
package config
