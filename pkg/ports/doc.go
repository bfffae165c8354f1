// Package ports defines the interfaces between the orchestration core and
// its adapters: durable task storage, the event bus, metrics and the
// params codec used for worker schema downgrades.
package ports
