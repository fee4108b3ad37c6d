package loadbalancer

import (
	"sync"

	"github.com/microgate/gateway/internal/registry"
)

// WeightedRoundRobin distributes picks proportionally to instance
// weights using the smooth weighted algorithm: each pick raises every
// instance's current weight by its configured weight, selects the
// highest, then deducts the total from the winner.
type WeightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]map[string]int // service -> addr -> current weight
}

// NewWeightedRoundRobin creates a weighted round-robin balancer.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{current: map[string]map[string]int{}}
}

// Pick returns the next instance by smooth weighted rotation.
func (b *WeightedRoundRobin) Pick(service string, instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.current[service]
	if current == nil {
		current = map[string]int{}
		b.current[service] = current
	}

	total := 0
	best := instances[0]
	bestWeight := 0
	for i, in := range instances {
		w := in.Weight
		if w <= 0 {
			w = 1
		}
		total += w
		cw := current[in.Addr()] + w
		current[in.Addr()] = cw
		if i == 0 || cw > bestWeight {
			best, bestWeight = in, cw
		}
	}

	current[best.Addr()] -= total
	return best, nil
}

// Release is a no-op for weighted round robin.
func (b *WeightedRoundRobin) Release(string, registry.ServiceInstance) {}

// Name returns the strategy name.
func (b *WeightedRoundRobin) Name() string { return "weighted_round_robin" }
