// Package taskstate implements the task lifecycle state machine and the
// optimistic-concurrency retry helper shared by every mutation path.
package taskstate
