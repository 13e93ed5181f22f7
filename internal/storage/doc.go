// Package storage persists tenants, the poll log and notification records.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "file": in-memory tenants with a JSON snapshot and JSON Lines journals
//   - "memory": process-local, for tests and dry runs
//
// The poll cycle is the only writer of a tenant's last status. Tenants are
// created by the external CRUD service; UpsertTenant exists for seeding.
package storage
