// Package server manages the HTTP listener lifecycle: non-blocking
// start, optional TLS, graceful shutdown on SIGINT/SIGTERM, and
// propagation of asynchronous serve errors.
package server
