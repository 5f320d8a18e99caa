// Package storage persists the audit log and batch progress.
//
// Drivers:
//   - "sqlite": single-file database (WAL); also provides a durable job broker
//   - "file": dependency-free JSON Lines journal replayed into memory at open
package storage
