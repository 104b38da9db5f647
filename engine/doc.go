// Package engine walks a validated pipeline DAG in dependency order,
// dispatching ready steps to registered capabilities with bounded
// concurrency, pausing at approval gates, and emitting every status
// change through the sync channel.
//
// The engine holds no durable state of its own. A run's progress is
// reconstructed from the step-run ledger in the run state store, so a
// restarted engine resumes a run without re-executing completed steps.
package engine
