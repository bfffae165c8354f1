// Package locks provides the per-execution-context synchronization
// registry. All graph and state-machine access for a context goes through
// its lock: exclusive for mutation, shared for traversal.
package locks
