/*
Package metrics provides Prometheus instrumentation for the
orchestration core, covering HTTP, run execution, step execution, the
sync channel relay, and the database pool.

The Collector registers its metric vectors through promauto under one
namespace, so no manual Registry management is needed. It satisfies the
engine's and the relay's observer interfaces, which keeps both packages
free of a Prometheus dependency.
*/
package metrics
