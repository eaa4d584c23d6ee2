// Package legacysync synchronizes the user set of a legacy HTTP API into a
// local SQLite or PostgreSQL store and serves it over a REST API.
//
// A sync run streams the legacy API's JSON array of users element by element,
// splits it into fixed-size batches and hands each batch to a bounded
// in-process queue. Batch workers bulk-upsert the records with a recency rule:
// a row only replaces the stored one when its legacy createdAt is newer, so
// batches may land in any order and redeliveries are harmless.
//
// # Architecture
//
//   - pkg/jsonstream: incremental extractor that yields top-level array elements
//   - pkg/clients: circuit breaker, retry executor and the streaming HTTP client
//   - pkg/legacy: the legacy source client built on both
//   - internal/queue: in-process job queue with delays, attempts and backoff
//   - internal/pipeline: orchestrator, batch worker, completion tracker and the
//     Sync Log state machine (PENDING, RUNNING, PROCESSING, COMPLETED, FAILED)
//   - pkg/store: store interfaces, with sqlite and postgres implementations
//   - internal/api: gin REST surface for sync control and user management
//   - internal/app: composition root used by cmd/legacysync
//
// # Quick Start
//
//	legacysync serve --config config.yaml
//	curl -X POST localhost:3000/sync
//	curl localhost:3000/sync/status
//
// A single run without the REST API:
//
//	legacysync sync --timeout 30m
//
// # Configuration
//
// Settings come from an optional YAML file with ${VAR} substitution,
// overridden by environment variables such as LEGACY_API_URL,
// LEGACY_API_KEY, DATABASE_PATH and SYNC_BATCH_SIZE. Run
// "legacysync config" to print the effective configuration.
package legacysync
