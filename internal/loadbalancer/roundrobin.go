package loadbalancer

import (
	"sync"

	"github.com/microgate/gateway/internal/registry"
)

// RoundRobin cycles through instances in order, one cursor per service.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewRoundRobin creates a round-robin balancer.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: map[string]int{}}
}

// Pick returns the next instance in rotation for service.
func (b *RoundRobin) Pick(service string, instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.cursors[service] % len(instances)
	b.cursors[service] = i + 1
	return instances[i], nil
}

// Release is a no-op for round robin.
func (b *RoundRobin) Release(string, registry.ServiceInstance) {}

// Name returns the strategy name.
func (b *RoundRobin) Name() string { return "round_robin" }
