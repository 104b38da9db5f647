// Package dag parses a pipeline's step/edge set into a validated directed
// acyclic graph and computes a deterministic topological execution order.
//
// The package is pure: validation and ordering depend only on the step and
// edge declarations, so a graph built for a pipeline version can be cached
// and reused across runs. Conditional edges participate in cycle and
// dangling-reference checks but are resolved to live or dead only at run
// time by the engine.
package dag
