// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain entities to keep the domain layer free
// from ORM concerns.
//
// Structure:
//   - base.go: EntityColumns, the id and timestamp columns of every table
//   - marketsync.go: sync runs, remote products and orders, order history,
//     inventory snapshots and canonical products
//
// Mappers on each model convert to and from the domain types in
// internal/domain/marketsync. The SQL schema in migrations/ is authoritative;
// AllModels exists for SQLite-backed tests.
package models
