// Package relay implements both ends of the Redis sync channel between
// the execution engine and the durable run state store.
//
// The Emitter writes status records to volatile keys with a TTL; the
// Relay scans those keys, applies each record to the store, and deletes
// a key only after its durable write succeeded. Records may therefore be
// applied more than once, and the store's transition checks make the
// redelivery harmless. Within one key later writes replace earlier ones,
// which is safe because every record carries the engine's authoritative
// snapshot rather than a delta.
package relay
