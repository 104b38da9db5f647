// Package cache owns the Redis connection behind the sync channel. It
// manages the client lifecycle and a periodic health check; the relay
// and emitter use the client it hands out.
package cache
