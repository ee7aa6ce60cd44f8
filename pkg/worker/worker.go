package worker

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/cuemby/warren/pkg/executor"
	"github.com/cuemby/warren/pkg/log"
	cruntime "github.com/cuemby/warren/pkg/runtime"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// Config configures a worker node: a non-voting member whose only job
// is hosting an executor.Local and keeping it reachable by the cluster's
// DC.
type Config struct {
	NodeID string

	// ExecutorListenAddr is this worker's executor.Server listen
	// address, handed to a manager as JoinRequest.ExecutorAddr. The
	// cluster-bus address a manager replies to is derived from it by
	// the same port+1 convention pkg/manager uses for its own peers.
	ExecutorListenAddr string
	ExecutorPSK        []byte

	// ManagerAddr is a seed manager node's cluster-bus address (its
	// BusAddr, not its executor address) to send the initial
	// JoinRequest to. A non-leader seed's ack carries a LeaderHint this
	// worker follows instead of looping over a longer seed list.
	ManagerAddr string
	JoinToken   string

	ContainerdSocket string

	JoinTimeout time.Duration
	JoinRetries int
}

// Worker hosts one executor.Local and exposes it to the cluster's
// manager nodes over an executor.Server, the split-out half of the
// manager/worker process pair the transition engine dispatches against
// via executor.Connection.
type Worker struct {
	cfg    Config
	logger zerolog.Logger

	local            *executor.Local
	containerRuntime *cruntime.ContainerdRuntime

	execServer   *executor.Server
	execListener net.Listener

	stopCh chan struct{}
}

// New builds a Worker from cfg without starting it.
func New(cfg Config) (*Worker, error) {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.JoinRetries <= 0 {
		cfg.JoinRetries = 5
	}

	w := &Worker{
		cfg:    cfg,
		logger: log.WithComponent("worker").With().Str("node", cfg.NodeID).Logger(),
		stopCh: make(chan struct{}),
	}

	var containerRuntime executor.ContainerRuntime
	if cfg.ContainerdSocket != "" {
		cr, err := cruntime.NewContainerdRuntime(cfg.ContainerdSocket)
		if err != nil {
			return nil, fmt.Errorf("worker: connect containerd: %w", err)
		}
		w.containerRuntime = cr
		containerRuntime = cr
	}

	local := executor.NewLocal(cfg.NodeID, resolveResourceAgent, containerRuntime)
	local.OnHistory(func(entry *types.ResourceHistoryEntry) {
		w.logger.Debug().Str("resource", entry.Resource).Str("task", entry.Task).Msg("local history recorded")
	})
	w.local = local

	return w, nil
}

// Start connects the local executor, serves it over the wire, and joins
// the cluster against cfg.ManagerAddr. It blocks until the join
// handshake completes or exhausts its retries.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.local.Connect(ctx); err != nil {
		return fmt.Errorf("worker: connect local executor: %w", err)
	}

	ln, err := net.Listen("tcp", w.cfg.ExecutorListenAddr)
	if err != nil {
		return fmt.Errorf("worker: listen %s: %w", w.cfg.ExecutorListenAddr, err)
	}
	w.execListener = ln
	w.execServer = executor.NewServer(w.local, w.cfg.ExecutorPSK)
	go func() {
		if err := w.execServer.Serve(ln); err != nil {
			select {
			case <-w.stopCh:
			default:
				w.logger.Error().Err(err).Msg("executor server stopped")
			}
		}
	}()

	if err := w.join(ctx); err != nil {
		ln.Close()
		return err
	}

	w.logger.Info().Msg("worker joined cluster")
	return nil
}

// Stop tears down the executor server and the local connection.
func (w *Worker) Stop() error {
	close(w.stopCh)
	if w.execListener != nil {
		w.execListener.Close()
	}
	if w.containerRuntime != nil {
		w.containerRuntime.Close()
	}
	return w.local.Disconnect()
}

// resolveResourceAgent mirrors pkg/manager's convention for turning a
// resource's class/provider/type into an agent path: a worker resolves
// agents the same way a manager's own embedded Local does, since both
// sides of executor.Connection run the identical dispatch switch.
func resolveResourceAgent(class types.ResourceClass, provider, typ string) (string, error) {
	switch class {
	case types.ClassOCF:
		return filepath.Join("/usr/lib/ocf/resource.d", provider, typ), nil
	case types.ClassLSB:
		return filepath.Join("/etc/init.d", typ), nil
	case types.ClassSystemd:
		return typ, nil
	default:
		return "", fmt.Errorf("worker: no agent path convention for class %q", class)
	}
}

// busAddrFromExecutor derives this worker's own cluster-bus-style
// address (where it expects a JoinAck to arrive) from its executor
// listen address, the same port+1 convention manager.clusterBusAddrFromExecutor
// applies to peer addresses on the other side of the handshake.
func busAddrFromExecutor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	var p int
	fmt.Sscanf(port, "%d", &p)
	return net.JoinHostPort(host, fmt.Sprintf("%d", p+1))
}
