// Package queue implements the task assignment layer: a live index of
// offerable and in-flight tasks across all started execution contexts,
// decoupling worker polls from full graph scans.
package queue
