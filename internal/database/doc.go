// Package database opens the relational database behind the run state
// store and manages its connection pool: sizing, health checks, and
// transaction retry for transient failures.
package database
