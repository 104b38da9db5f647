// Package types defines the shared domain model for the pipeline
// orchestration core: pipeline definitions, runs, step runs, approvals,
// status state machines, and the structured error type used across
// package boundaries.
package types
