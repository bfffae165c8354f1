// Package storage provides task store implementations.
//
// Implementations:
//   - memory: in-memory for tests and single-node development
//   - redis: Redis with JSON rows and WATCH-based optimistic versioning
//   - postgres: Postgres through the pgx stdlib driver, version-column CAS
package storage
