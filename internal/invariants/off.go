//go:build !invariants

// Package invariants gates debug-only assertions behind the invariants build tag.
package invariants

// Enabled is true in builds with the invariants build tag.
const Enabled = false
