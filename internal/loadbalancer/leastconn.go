package loadbalancer

import (
	"sync"

	"github.com/microgate/gateway/internal/registry"
)

// LeastConnections picks the instance with the fewest in-flight requests.
// Counts are tracked per instance address; callers must pair every Pick
// with a Release once the request finishes.
type LeastConnections struct {
	mu     sync.Mutex
	active map[string]map[string]int // service -> addr -> in-flight
}

// NewLeastConnections creates a least-connections balancer.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{active: map[string]map[string]int{}}
}

// Pick returns the instance with the fewest active requests, first wins
// on ties, and increments its count.
func (b *LeastConnections) Pick(service string, instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	counts := b.active[service]
	if counts == nil {
		counts = map[string]int{}
		b.active[service] = counts
	}

	best := instances[0]
	bestCount := counts[best.Addr()]
	for _, in := range instances[1:] {
		if c := counts[in.Addr()]; c < bestCount {
			best, bestCount = in, c
		}
	}

	counts[best.Addr()]++
	return best, nil
}

// Release decrements the active count for instance.
func (b *LeastConnections) Release(service string, instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := b.active[service]
	if counts == nil {
		return
	}
	if counts[instance.Addr()] > 0 {
		counts[instance.Addr()]--
	}
}

// Name returns the strategy name.
func (b *LeastConnections) Name() string { return "least_connections" }
