// Package pipeline implements the legacy user sync: the orchestrator that
// streams the legacy source into batch jobs, the batch worker that upserts
// them, the tracker that closes a run once its batches settle, and the
// service that triggers, inspects and recovers runs.
//
// # Lifecycle
//
// A run is a Sync Log moving through
//
//	pending -> running -> processing -> completed
//	   \          \            \
//	    +----------+------------+-----> failed
//
// Trigger creates the log in pending and enqueues a sync job. The orchestrator
// moves it to running, streams every record from the legacy source and cuts
// them into batch jobs of Config.BatchSize. When the stream ends the log moves
// to processing and the CompletionTracker waits for every batch job to either
// complete or be dead-lettered before moving it to completed or failed.
//
// # Concurrency
//
// One orchestrator loop runs at a time; Trigger refuses to start a run while
// the latest log is active. Batch jobs are processed by a bounded pool in any
// order. The store's recency rule makes concurrent upserts of the same user
// commutative, so no lock protects it.
//
// # Recovery
//
// RecoverOnStartup fails every log left active by a previous process.
// RunSweeper fails active logs older than the stale threshold, and a failed run
// schedules one delayed retry unless another run or retry already exists.
package pipeline
