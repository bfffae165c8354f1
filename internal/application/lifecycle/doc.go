// Package lifecycle implements the execution-context lifecycle
// controller: production and start, worker polling and assignment,
// report processing with failure propagation, cancellation, deletion and
// per-context reconciliation. All graph mutations for a context run
// under that context's lock from the synchronization registry.
package lifecycle
