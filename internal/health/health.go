// Package health reports whether the core can take work.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/agentcore/internal/pool"
	"github.com/aristath/agentcore/internal/resilience"
)

// Status of one component.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// ComponentStatus is the health of one component.
type ComponentStatus struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthStatus aggregates every component. The core is healthy while no
// component is down.
type HealthStatus struct {
	Healthy    bool              `json:"healthy"`
	Components []ComponentStatus `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// PoolProbe is the read-only view of a worker pool.
type PoolProbe interface {
	Stats() pool.Stats
	Saturated() bool
	Full() bool
}

// QueueProbe is the read-only view of the scheduler.
type QueueProbe interface {
	Depth(class string) int
	Classes() []string
}

// Checker inspects registered components. Check never changes them.
type Checker struct {
	mu       sync.RWMutex
	pools    map[string]PoolProbe
	queue    QueueProbe
	maxQueue int
	breakers *resilience.BreakerRegistry
	now      func() time.Time
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{
		pools: make(map[string]PoolProbe),
		now:   time.Now,
	}
}

// AddPool registers the pool serving class.
func (c *Checker) AddPool(class string, p PoolProbe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[class] = p
}

// SetQueue registers the scheduler. A class whose pending depth reaches
// maxPending is degraded; zero disables the limit.
func (c *Checker) SetQueue(q QueueProbe, maxPending int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = q
	c.maxQueue = maxPending
}

// SetBreakers registers the circuit breakers.
func (c *Checker) SetBreakers(r *resilience.BreakerRegistry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakers = r
}

// Check reports the current health.
func (c *Checker) Check() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var comps []ComponentStatus

	classes := make([]string, 0, len(c.pools))
	for class := range c.pools {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		comps = append(comps, poolStatus(class, c.pools[class]))
	}

	if c.queue != nil {
		for _, class := range c.queue.Classes() {
			depth := c.queue.Depth(class)
			cs := ComponentStatus{
				Name:   "scheduler/" + class,
				Status: StatusOK,
				Detail: fmt.Sprintf("%d pending", depth),
			}
			if c.maxQueue > 0 && depth >= c.maxQueue {
				cs.Status = StatusDegraded
				cs.Detail = fmt.Sprintf("%d pending, limit %d", depth, c.maxQueue)
			}
			comps = append(comps, cs)
		}
	}

	if c.breakers != nil {
		for _, s := range c.breakers.Snapshots() {
			cs := ComponentStatus{Name: "circuit/" + s.DependencyID, Status: StatusOK, Detail: s.Phase.String()}
			switch s.Phase {
			case resilience.PhaseOpen:
				cs.Status = StatusDown
				cs.Detail = fmt.Sprintf("open since %s", s.OpenedAt.Format(time.RFC3339))
			case resilience.PhaseHalfOpen:
				cs.Status = StatusDegraded
			}
			comps = append(comps, cs)
		}
	}

	healthy := true
	for _, cs := range comps {
		if cs.Status == StatusDown {
			healthy = false
		}
	}
	return HealthStatus{Healthy: healthy, Components: comps, CheckedAt: c.now()}
}

func poolStatus(class string, p PoolProbe) ComponentStatus {
	s := p.Stats()
	cs := ComponentStatus{
		Name:   "pool/" + class,
		Status: StatusOK,
		Detail: fmt.Sprintf("%d/%d busy, %d/%d queued", s.Busy, s.Workers, s.Queued, s.Capacity),
	}
	switch {
	case s.Workers == 0:
		cs.Status = StatusDown
		cs.Detail = "no workers"
	case p.Full():
		cs.Status = StatusDown
	case p.Saturated():
		cs.Status = StatusDegraded
	}
	return cs
}
