// Package marketsync contains the Marketplace Sync bounded context.
// This context keeps the local product, inventory and order catalog in step with a
// third-party marketplace across two independent seller accounts.
//
// Key concepts:
//   - SyncRun: one orchestrator invocation with per-account counters and a bounded error list
//   - RemoteProduct / RemoteOrder: local copies keyed by (account, remote id)
//   - ProductRecord / OrderRecord: typed remote payloads validated at the upsert boundary
//   - OrderStatus: the order lifecycle state machine and its transition table
//   - InventorySnapshot: derived stock projection per (product, account, warehouse)
//
// Design Pattern: Ports & Adapters
//   - Repository and metrics ports are defined here in the domain layer
//   - Adapters (gorm, marketplace HTTP client, otel/prometheus sinks) live in infrastructure
package marketsync
