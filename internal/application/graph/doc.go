// Package graph maintains the in-memory dependency DAG for one execution
// context: traversal queries, assignability, failure propagation and
// runtime splice of dynamically produced sub-graphs. The package is pure;
// persistence and locking belong to the caller.
package graph
