// Package sandbox manages isolated execution environments for runs.
// Environments come from a pluggable Provider, are created lazily per
// run at a tier preset, health-probed (filesystem and shell) before
// tool execution with one transparent recreation on failure, and
// reclaimed after an idle TTL.
package sandbox
