// Package store is the durable run state store backing the orchestration
// core. It owns pipelines, runs, the append-only step run ledger, and
// approvals, and it is the single component allowed to write them: the
// execution engine reaches the store only through the sync channel relay.
//
// Every status write is transition-checked. Updates that would regress a
// lifecycle, touch a terminal run, or re-decide an approval are rejected
// as conflicts so redelivered sync records stay idempotent.
package store
