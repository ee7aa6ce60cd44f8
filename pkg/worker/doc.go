/*
Package worker implements the non-voting half of Warren's manager/worker
process split: a node that hosts exactly one executor.Local and makes it
reachable to the cluster's manager nodes, without itself running Raft or
holding any CIB state.

# Role

A worker has no say in cluster membership decisions and commits nothing
to the CIB directly. It exists purely as an executor.Connection a
manager node can dial: executor.NewServer wraps the worker's Local and
serves it over the same line-oriented, HMAC-authenticated wire
protocol a manager uses to reach any other manager's resources, so
dispatchResourceAction on the DC cannot tell the difference between
routing an action to another manager node and routing it to a worker.

# Joining

A worker announces itself with a JoinRequest envelope (pkg/manager's
exported join types) addressed to a seed manager's cluster-bus address.
If that manager isn't the Raft leader, its ack carries a LeaderHint the
worker retries against instead of cycling through a longer seed list.
The ack itself arrives on a short-lived listener the worker opens at
its own bus-convention address before sending the request, since the
manager's reply path dials back to the requester rather than answering
on the request connection.
*/
package worker
