//go:build invariants

package invariants

// Enabled is true in builds with the invariants build tag.
const Enabled = true
