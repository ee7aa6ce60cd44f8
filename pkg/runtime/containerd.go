package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
)

const (
	// DefaultNamespace is the containerd namespace Warren's container
	// class resources run in.
	DefaultNamespace = "warren"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	defaultStopTimeout = 10 * time.Second
)

// ContainerdRuntime implements executor.ContainerRuntime against a
// containerd daemon: the "container" resource class's start/stop/monitor
// tasks become container-create-and-run, graceful-kill, and task-status
// lookups instead of forking a script.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime creates a new containerd runtime client.
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// StartContainer makes resourceID's container exist and run, pulling the
// image and creating the container on first start and simply (re)starting
// its task on subsequent calls — start must be idempotent like any other
// resource agent action.
func (r *ContainerdRuntime) StartContainer(ctx context.Context, resourceID string, params map[string]string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	ctrdContainer, err := r.client.LoadContainer(ctx, resourceID)
	if err != nil {
		ctrdContainer, err = r.createContainer(ctx, resourceID, params)
		if err != nil {
			return err
		}
	}

	task, err := ctrdContainer.Task(ctx, nil)
	if err == nil {
		status, err := task.Status(ctx)
		if err == nil && status.Status == containerd.Running {
			return nil
		}
	}

	task, err = ctrdContainer.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task for %s: %w", resourceID, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task for %s: %w", resourceID, err)
	}
	return nil
}

func (r *ContainerdRuntime) createContainer(ctx context.Context, resourceID string, params map[string]string) (containerd.Container, error) {
	imageRef := params["image"]
	if imageRef == "" {
		return nil, fmt.Errorf("container resource %s missing required parameter %q", resourceID, "image")
	}

	image, err := r.client.GetImage(ctx, imageRef)
	if err != nil {
		image, err = r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("pull image %s: %w", imageRef, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(parseEnv(params["env"])),
	}
	if limit := params["cpu_limit"]; limit != "" {
		if cores, err := strconv.ParseFloat(limit, 64); err == nil && cores > 0 {
			opts = append(opts, oci.WithCPUShares(uint64(cores*1024)))
			opts = append(opts, oci.WithCPUCFS(int64(cores*100000), 100000))
		}
	}
	if limit := params["memory_limit"]; limit != "" {
		if bytes, err := strconv.ParseInt(limit, 10, 64); err == nil && bytes > 0 {
			opts = append(opts, oci.WithMemoryLimit(uint64(bytes)))
		}
	}

	return r.client.NewContainer(
		ctx,
		resourceID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(resourceID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
}

// StopContainer sends SIGTERM, waits for a graceful exit (stop_timeout
// param, default 10s), then SIGKILLs and deletes the task. A container
// with no running task is treated as already stopped.
func (r *ContainerdRuntime) StopContainer(ctx context.Context, resourceID string, params map[string]string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	ctrdContainer, err := r.client.LoadContainer(ctx, resourceID)
	if err != nil {
		return nil
	}

	task, err := ctrdContainer.Task(ctx, nil)
	if err != nil {
		return nil
	}

	timeout := defaultStopTimeout
	if v := params["stop_timeout"]; v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task %s: %w", resourceID, err)
	}
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal task %s: %w", resourceID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task %s: %w", resourceID, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task %s: %w", resourceID, err)
	}
	return nil
}

// ContainerRunning reports whether resourceID's task is observed running,
// used as the monitor action for the container resource class.
func (r *ContainerdRuntime) ContainerRunning(ctx context.Context, resourceID string) (bool, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	ctrdContainer, err := r.client.LoadContainer(ctx, resourceID)
	if err != nil {
		return false, nil
	}

	task, err := ctrdContainer.Task(ctx, nil)
	if err != nil {
		return false, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return false, fmt.Errorf("task status for %s: %w", resourceID, err)
	}
	return status.Status == containerd.Running, nil
}

// parseEnv splits a comma-separated KEY=VALUE list, the only shape a
// flat string-keyed parameter map can carry for a resource agent's env.
func parseEnv(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
