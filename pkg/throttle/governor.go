// Package throttle implements the transition engine's per-cycle dispatch
// batch limit: a small ticker-driven sampler that scales the limit down as
// cluster-wide resource utilization rises, grounded on the teacher's
// scheduler loop shape (ticker + stopCh + mutex-guarded state).
package throttle

import (
	"math"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/rs/zerolog"
)

const defaultSampleInterval = 5 * time.Second

// UtilizationSampler reports the current average per-node resource
// allocation ratio, 0 (idle) to 1 (saturated), across the cluster. The CIB
// (via pkg/manager) supplies the concrete implementation; Governor itself
// has no opinion on where the number comes from.
type UtilizationSampler func() (float64, error)

// Governor computes the transition engine's per-cycle dispatch batch limit:
// limit = max(1, floor(configuredLimit * (1 - avgUtilization))).
type Governor struct {
	mu             sync.RWMutex
	configuredMax  int
	limit          int
	sample         UtilizationSampler
	sampleInterval time.Duration
	logger         zerolog.Logger
	stopCh         chan struct{}
}

// New creates a Governor with the given configured ceiling and sampler.
// The limit starts at configuredMax until the first sample runs.
func New(configuredMax int, sample UtilizationSampler) *Governor {
	if configuredMax < 1 {
		configuredMax = 1
	}
	return &Governor{
		configuredMax:  configuredMax,
		limit:          configuredMax,
		sample:         sample,
		sampleInterval: defaultSampleInterval,
		logger:         log.WithComponent("throttle"),
		stopCh:         make(chan struct{}),
	}
}

// Start begins the sampling loop.
func (g *Governor) Start() {
	go g.run()
}

// Stop halts the sampling loop.
func (g *Governor) Stop() {
	close(g.stopCh)
}

// Limit returns the current per-cycle dispatch batch limit.
func (g *Governor) Limit() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limit
}

func (g *Governor) run() {
	ticker := time.NewTicker(g.sampleInterval)
	defer ticker.Stop()

	g.refresh()
	for {
		select {
		case <-ticker.C:
			g.refresh()
		case <-g.stopCh:
			return
		}
	}
}

func (g *Governor) refresh() {
	util, err := g.sample()
	if err != nil {
		g.logger.Warn().Err(err).Msg("utilization sample failed, keeping previous limit")
		return
	}
	if util < 0 {
		util = 0
	}
	if util > 1 {
		util = 1
	}

	limit := int(math.Floor(float64(g.configuredMax) * (1 - util)))
	if limit < 1 {
		limit = 1
	}

	g.mu.Lock()
	changed := limit != g.limit
	g.limit = limit
	g.mu.Unlock()

	metrics.ThrottleLimit.Set(float64(limit))
	if changed {
		g.logger.Debug().Float64("utilization", util).Int("limit", limit).Msg("throttle limit recomputed")
	}
}
