// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Execution context lifecycle (create, produce, start, cancel, delete)
//   - Producer task insertion
//   - Worker poll, result reporting and upload confirmations
//   - Status queries, health checks and Prometheus metrics
package http
