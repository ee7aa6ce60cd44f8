package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/reconciler"
	"github.com/cuemby/warren/pkg/security"
	"github.com/cuemby/warren/pkg/worker"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Warren - high-availability cluster resource manager",
	Long: `Warren runs the transition engine, local resource executor, and
fencing coordinator at the core of a cluster resource manager: a Raft
quorum of managers owns the cluster's configuration and decides what
should be running where, workers host the resource agents that carry
those decisions out, and the fencing coordinator isolates a node the
cluster can no longer trust.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("Warren version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(fenceCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// loadExecutorPSK reads the executor/admin wire PSK via the teacher's
// cached-loader convention: a primary path with a fallback, so a
// missing primary (e.g. not yet provisioned by config management)
// doesn't hard-fail a node that has a fallback key in place.
func loadExecutorPSK(primary string) ([]byte, error) {
	loader := security.NewPSKLoader(primary, "/etc/warren/executor.psk")
	return loader.Load()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func managerConfigFromFlags(cmd *cobra.Command) (manager.Config, error) {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	busAddr, _ := cmd.Flags().GetString("bus-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	clusterID, _ := cmd.Flags().GetString("cluster-id")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
	executorAddr, _ := cmd.Flags().GetString("executor-addr")
	pskFile, _ := cmd.Flags().GetString("psk-file")
	throttleLimit, _ := cmd.Flags().GetInt("throttle-limit")

	psk, err := loadExecutorPSK(pskFile)
	if err != nil {
		return manager.Config{}, fmt.Errorf("load executor PSK: %w", err)
	}

	return manager.Config{
		NodeID:             nodeID,
		BindAddr:           bindAddr,
		BusAddr:            busAddr,
		DataDir:            dataDir,
		ClusterID:          clusterID,
		ContainerdSocket:   containerdSocket,
		ExecutorListenAddr: executorAddr,
		ExecutorPSK:        psk,
		ThrottleLimit:      throttleLimit,
	}, nil
}

func addManagerFlags(cmd *cobra.Command, defaultNodeID, defaultBindAddr, defaultBusAddr, defaultExecAddr, defaultDataDir string) {
	cmd.Flags().String("node-id", defaultNodeID, "Unique node ID")
	cmd.Flags().String("bind-addr", defaultBindAddr, "Raft transport address")
	cmd.Flags().String("bus-addr", defaultBusAddr, "Cluster bus listen address")
	cmd.Flags().String("executor-addr", defaultExecAddr, "Executor server listen address")
	cmd.Flags().String("data-dir", defaultDataDir, "Data directory for cluster state")
	cmd.Flags().String("cluster-id", "warren-cluster", "Cluster ID, seeds the fencing-parameter encryption key")
	cmd.Flags().String("containerd-socket", "", "Containerd socket path (empty disables the container resource class)")
	cmd.Flags().String("psk-file", "/etc/warren/executor.psk", "Path to the executor/admin wire pre-shared key")
	cmd.Flags().Int("throttle-limit", 32, "Configured per-cycle dispatch batch ceiling")
	cmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
}

// runManagerDaemon wires an already-started Manager into the
// reconciler and the metrics/health HTTP server, then blocks until
// interrupted. Shared by "cluster init" and "manager join" since both
// differ only in how the Manager reaches its first committed Raft
// entry, not in what runs on top of it once it has.
func runManagerDaemon(cmd *cobra.Command, mgr *manager.Manager) error {
	recon := reconciler.NewReconciler(mgr, nil)
	recon.Start()
	fmt.Println("Reconciler started")

	collector := metrics.NewCollector(mgr)
	collector.Start()
	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "started")

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("Metrics endpoint: http://%s/metrics\n", metricsAddr)
	fmt.Println("Manager is running. Press Ctrl+C to stop.")

	ctx, cancel := signalContext()
	defer cancel()
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	recon.Stop()
	collector.Stop()
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("Shutdown complete")
	return nil
}

func printJoinTokens(mgr *manager.Manager, busAddr string) {
	fmt.Println()
	fmt.Println("Join tokens (valid 24h):")
	if t, err := mgr.GenerateJoinToken("worker", 24*time.Hour); err == nil {
		fmt.Printf("  worker:  %s\n", t.Token)
		fmt.Printf("           warren worker start --seed %s --token %s\n", busAddr, t.Token)
	}
	if t, err := mgr.GenerateJoinToken("manager", 24*time.Hour); err == nil {
		fmt.Printf("  manager: %s\n", t.Token)
		fmt.Printf("           warren manager join --seed %s --token %s\n", busAddr, t.Token)
	}
	if t, err := mgr.GenerateJoinToken("admin", 24*time.Hour); err == nil {
		fmt.Printf("  admin:   %s\n", t.Token)
		fmt.Printf("           export WARREN_TOKEN=%s\n", t.Token)
	}
	fmt.Println()
}

// Cluster commands

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the Warren cluster",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new Warren cluster with this node as the first manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := managerConfigFromFlags(cmd)
		if err != nil {
			return err
		}

		mgr, err := manager.NewManager(cfg)
		if err != nil {
			return fmt.Errorf("create manager: %w", err)
		}
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		fmt.Println("Cluster bootstrapped")

		if err := mgr.Start(); err != nil {
			return fmt.Errorf("start manager: %w", err)
		}
		fmt.Println("Manager started")
		printJoinTokens(mgr, cfg.BusAddr)
		return runManagerDaemon(cmd, mgr)
	},
}

var clusterInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display cluster information",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, token := busAddrAndToken(cmd)
		var info manager.ClusterInfo
		if err := newAdminClient(addr, token).call("cluster.info", struct{}{}, &info); err != nil {
			return err
		}
		fmt.Printf("Node:      %s\n", info.NodeID)
		fmt.Printf("Is leader: %v\n", info.IsLeader)
		fmt.Printf("Leader bus address: %s\n", info.LeaderAddr)
		for k, v := range info.Stats {
			fmt.Printf("  %s: %v\n", k, v)
		}
		return nil
	},
}

func busAddrAndToken(cmd *cobra.Command) (string, string) {
	addr, _ := cmd.Flags().GetString("seed")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("WARREN_TOKEN")
	}
	return addr, token
}

func addAdminFlags(cmd *cobra.Command) {
	cmd.Flags().String("seed", "127.0.0.1:7947", "A manager node's cluster-bus address")
	cmd.Flags().String("token", "", "Admin token (or set WARREN_TOKEN)")
}

func init() {
	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterInfoCmd)

	addManagerFlags(clusterInitCmd, "manager-1", "127.0.0.1:7946", "127.0.0.1:7947", "127.0.0.1:7948", "./warren-data")
	addAdminFlags(clusterInfoCmd)
}

// Manager commands

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Manager node operations",
}

var managerJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node to an existing cluster as a voting manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := managerConfigFromFlags(cmd)
		if err != nil {
			return err
		}
		seed, _ := cmd.Flags().GetString("seed")
		token, _ := cmd.Flags().GetString("token")

		admin := newAdminClient(seed, token)
		if err := admin.call("cluster.add-voter", struct {
			NodeID   string
			BindAddr string
		}{cfg.NodeID, cfg.BindAddr}, nil); err != nil {
			return fmt.Errorf("register as voter: %w", err)
		}
		fmt.Println("Registered as Raft voter")

		mgr, err := manager.NewManager(cfg)
		if err != nil {
			return fmt.Errorf("create manager: %w", err)
		}
		if err := mgr.Join(); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		fmt.Println("Joined cluster")

		if err := mgr.Start(); err != nil {
			return fmt.Errorf("start manager: %w", err)
		}
		fmt.Println("Manager started")
		return runManagerDaemon(cmd, mgr)
	},
}

func init() {
	managerCmd.AddCommand(managerJoinCmd)
	addManagerFlags(managerJoinCmd, "manager-2", "127.0.0.1:7956", "127.0.0.1:7957", "127.0.0.1:7958", "./warren-data-2")
	managerJoinCmd.Flags().String("seed", "", "An existing manager's cluster-bus address")
	managerJoinCmd.Flags().String("token", "", "Manager join token")
	managerJoinCmd.MarkFlagRequired("seed")
	managerJoinCmd.MarkFlagRequired("token")
}

// Worker commands

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker node operations",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a worker node and join it to a manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		seed, _ := cmd.Flags().GetString("seed")
		executorAddr, _ := cmd.Flags().GetString("executor-addr")
		containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
		token, _ := cmd.Flags().GetString("token")
		pskFile, _ := cmd.Flags().GetString("psk-file")

		psk, err := loadExecutorPSK(pskFile)
		if err != nil {
			return fmt.Errorf("load executor PSK: %w", err)
		}

		w, err := worker.New(worker.Config{
			NodeID:             nodeID,
			ExecutorListenAddr: executorAddr,
			ExecutorPSK:        psk,
			ManagerAddr:        seed,
			JoinToken:          token,
			ContainerdSocket:   containerdSocket,
			JoinTimeout:        10 * time.Second,
			JoinRetries:        5,
		})
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}

		ctx, cancel := signalContext()
		defer cancel()
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		fmt.Println("Worker is running. Press Ctrl+C to stop.")

		<-ctx.Done()
		fmt.Println("\nShutting down...")
		if err := w.Stop(); err != nil {
			return fmt.Errorf("stop worker: %w", err)
		}
		fmt.Println("Shutdown complete")
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerStartCmd)
	workerStartCmd.Flags().String("node-id", "worker-1", "Unique node ID")
	workerStartCmd.Flags().String("seed", "", "A manager node's cluster-bus address")
	workerStartCmd.Flags().String("executor-addr", "127.0.0.1:8948", "This worker's executor server listen address")
	workerStartCmd.Flags().String("containerd-socket", "", "Containerd socket path (empty disables the container resource class)")
	workerStartCmd.Flags().String("token", "", "Worker join token (required)")
	workerStartCmd.Flags().String("psk-file", "/etc/warren/executor.psk", "Path to the executor wire pre-shared key")
	workerStartCmd.MarkFlagRequired("seed")
	workerStartCmd.MarkFlagRequired("token")
}

// Node commands

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect cluster membership",
}

// peerView mirrors the fields of types.Peer this command prints;
// decoding into a local, narrower type keeps this file from importing
// pkg/types just to read a handful of strings off the admin reply.
type peerView struct {
	Name      string
	Address   string
	Liveness  string
	JoinPhase string
	Dirty     bool
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List peers known to the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, token := busAddrAndToken(cmd)
		var peers []*peerView
		if err := newAdminClient(addr, token).call("peers.list", struct{}{}, &peers); err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("No peers found")
			return nil
		}
		fmt.Printf("%-20s %-10s %-12s %-10s %s\n", "NAME", "LIVENESS", "JOIN-PHASE", "DIRTY", "ADDRESS")
		for _, p := range peers {
			fmt.Printf("%-20s %-10s %-12s %-10v %s\n", p.Name, p.Liveness, p.JoinPhase, p.Dirty, p.Address)
		}
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
	addAdminFlags(nodeListCmd)
}

// Fence command

var fenceCmd = &cobra.Command{
	Use:   "fence NODE",
	Short: "Fence a node immediately, bypassing the transition engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		action, _ := cmd.Flags().GetString("action")
		addr, token := busAddrAndToken(cmd)

		var reply struct{ CommandID string }
		if err := newAdminClient(addr, token).call("fence", struct {
			Target string
			Action string
		}{target, action}, &reply); err != nil {
			return err
		}
		fmt.Printf("Fencing command queued: %s\n", reply.CommandID)
		return nil
	},
}

func init() {
	addAdminFlags(fenceCmd)
	fenceCmd.Flags().String("action", "reboot", "Fencing action (reboot, off, on)")
}
