package metrics

import (
	"time"

	"github.com/asgardops/maestro/pkg/lockstore"
	"github.com/asgardops/maestro/pkg/queue"
	"github.com/asgardops/maestro/pkg/store"
	"github.com/asgardops/maestro/pkg/types"
)

// Collector periodically samples the deployment store, lock store, and
// queue into gauges — the counterparts to the teacher's node/service
// poller, now aimed at deployments instead of cluster objects.
type Collector struct {
	store  store.Store
	locks  *lockstore.Store
	queue  *queue.Queue
	stopCh chan struct{}
}

// NewCollector builds a Collector over the engine's shared registries.
func NewCollector(st store.Store, locks *lockstore.Store, q *queue.Queue) *Collector {
	return &Collector{store: st, locks: locks, queue: q, stopCh: make(chan struct{})}
}

// Start begins periodic collection on its own goroutine.
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

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDeploymentCounts()
	c.collectInProgressAndPaused()
	QueueDepth.Set(float64(c.queue.Len()))
}

func (c *Collector) collectDeploymentCounts() {
	deployments, err := c.store.ListDeployments(store.ListFilter{})
	if err != nil {
		return
	}

	counts := make(map[types.Phase]map[types.Status]int)
	for _, dep := range deployments {
		if counts[dep.Phase] == nil {
			counts[dep.Phase] = make(map[types.Status]int)
		}
		counts[dep.Phase][dep.Status]++
	}

	DeploymentsByPhase.Reset()
	for phase, byStatus := range counts {
		for status, n := range byStatus {
			DeploymentsByPhase.WithLabelValues(string(phase), string(status)).Set(float64(n))
		}
	}
}

func (c *Collector) collectInProgressAndPaused() {
	inProgress, err := c.locks.ListInProgress()
	if err == nil {
		DeploymentsInProgress.Set(float64(len(inProgress)))
	}
	paused, err := c.locks.ListPaused()
	if err == nil {
		DeploymentsPaused.Set(float64(len(paused)))
	}
}
