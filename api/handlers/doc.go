// Package handlers implements the HTTP API: pipeline registration, run
// lifecycle (create, start, resume, cancel, restart), approval
// decisions, and health/metrics endpoints. Responses share a single
// envelope; conflict-class errors map to HTTP 409.
package handlers
