/*
Package fencing implements the cluster's fencing (STONITH) coordinator:
given a target node, it selects a capable device, runs the device's agent
to carry out the fencing action, falls back to the next capable device on
failure, and reports the outcome.

# Device selection

Each device's host-check policy decides whether it can fence a target
(orderedCandidates, then the per-attempt check in runAttempt):

  - none: every device can fence every target.
  - static-list: the target (or one of its aliases) must appear in the
    device's pre-parsed host list.
  - dynamic-list: the target must appear in the device's cached `list`
    agent output, refreshed when older than 60 seconds; a failed refresh
    permanently disables dynamic-list queries for that device.
  - status: the device's `status` agent action is invoked for the
    specific target; rc 0 or 2 means yes, rc 1 means no, anything else is
    an error.

Capable devices are sorted by priority, descending, and tried in order; a
command that fails on one device is retried on the next until the list is
exhausted.

# Concurrency

Like pkg/executor's Local, Coordinator owns all of its mutable state
(device definitions, per-device queues, the dynamic-list cache) from a
single run-loop goroutine; every exported method is a channel round trip.
A device processes at most one command at a time — its own queue — so a
hung agent on one device never blocks fencing against another.

# Outcomes and self-fencing

A successful fencing action is reported through OnResult to the
coordinator's owner, which is responsible for broadcasting it to the rest
of the cluster so every peer's view converges. Observe is the other
half: it is fed outcomes received from that broadcast (including the
node's own) and, if the target names this node, attempts an immediate
halt — since the rest of the cluster already considers this node dead,
continuing to run would just have its votes rejected.
*/
package fencing
