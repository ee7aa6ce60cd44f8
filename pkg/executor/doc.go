// Package executor implements the local resource executor interface
// (LRE): the per-node proxy that drives resource agents through their
// start/stop/monitor/promote/demote lifecycle, tracks in-flight and
// recurring operations, records outcomes to resource history, and
// synthesizes a result when the underlying agent cannot even be
// dispatched.
//
// # Architecture
//
// Two connection kinds share the Connection interface: Local drives
// agents in-process via os/exec (or, for the "container" and "http"/"tcp"
// builtin classes, via containerd and pkg/health respectively) and
// Remote proxies the same surface over an authenticated TCP stream to a
// Local connection running on another node. Both are sum-type variants
// of one operation trait, per the Design Notes' "dynamic dispatch across
// executor transports" resolution.
//
// Local owns its pending-op table and resource-history table from a
// single run-loop goroutine; every public method sends a request on an
// internal channel and waits for the loop's reply rather than locking
// shared state directly, mirroring the teacher's stopCh-driven loops
// generalized with request/reply channels.
//
// # Result delivery
//
// Execute returns a call id immediately; the eventual result (success,
// failure, or synthesized) is delivered asynchronously to the callback
// registered via OnEvent, carrying the transition key the caller
// supplied at dispatch time so the transition engine can match it back
// to the action that requested it.
//
// # Resource history
//
// History recording follows a fixed set of rules independent of which
// connection kind produced the result: deletions purge the entry,
// cancellations of recurring ops remove the recurring entry, failures
// replace the "failed" slot, non-recurring successes replace the "last"
// slot and, for start/reload/monitor, capture stop_params for the next
// stop. A later stop is always issued with the stop_params captured at
// the last successful start — never the currently configured parameters.
package executor
