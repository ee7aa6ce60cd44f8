package metrics

import (
	"time"

	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/types"
)

// Collector periodically samples manager-held state into the gauges above.
// Counters are not sampled here, since a sampling loop cannot recover
// counts it wasn't running to observe: ExecutorOpsTotal and
// ReconciliationCyclesTotal are updated inline by their components, and
// GraphsTotal, ActionsTotal, FencingCommandsTotal and PeerReapsTotal are
// not updated anywhere.
type Collector struct {
	manager *manager.Manager
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(mgr *manager.Manager) *Collector {
	return &Collector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectPeerMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectPeerMetrics() {
	peers, err := c.manager.ListPeers()
	if err != nil {
		return
	}

	counts := map[types.Liveness]int{
		types.LivenessMember: 0,
		types.LivenessLost:   0,
	}
	for _, p := range peers {
		counts[p.Liveness]++
	}
	for liveness, count := range counts {
		PeersTotal.WithLabelValues(string(liveness)).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.manager.GetRaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if numPeers, ok := stats["num_peers"].(int); ok {
		RaftPeers.Set(float64(numPeers))
	}
}
