/*
Package runtime provides the containerd-backed implementation of
pkg/executor's ContainerRuntime interface: the "container" resource class's
start/stop/monitor actions become container-create-and-run, graceful-kill,
and task-status lookups against a local containerd daemon instead of a
forked resource-agent script.

# Lifecycle

StartContainer is idempotent: if the container object does not exist it is
created from the image named in the resource's "image" parameter (pulling
it first if not already cached), and a task is started. If a task is
already running, StartContainer is a no-op.

StopContainer sends SIGTERM, waits up to the "stop_timeout" parameter
(seconds, default 10s) for the task to exit, escalates to SIGKILL on
timeout, and deletes the task. A container with no running task is treated
as already stopped.

ContainerRunning reports whether the container's task is observed in the
containerd "running" state; a missing container or task reports false
rather than an error, since "not running" is the expected answer for a
resource that was never started.

# Resource parameters

	image         image reference to pull and run (required)
	env           comma-separated KEY=VALUE pairs
	cpu_limit     CPU cores, mapped to CPU shares (1024/core) and CFS quota
	memory_limit  hard memory limit in bytes
	stop_timeout  graceful-shutdown wait in seconds before SIGKILL

# Namespace

All containers run in the "warren" containerd namespace, isolating them
from other containerd users on the same node.
*/
package runtime
