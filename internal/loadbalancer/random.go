package loadbalancer

import (
	"math/rand"

	"github.com/microgate/gateway/internal/registry"
)

// Random picks a uniformly random instance.
type Random struct{}

// NewRandom creates a random balancer.
func NewRandom() *Random { return &Random{} }

// Pick returns a random instance.
func (b *Random) Pick(_ string, instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, ErrNoInstances
	}
	return instances[rand.Intn(len(instances))], nil
}

// Release is a no-op for random.
func (b *Random) Release(string, registry.ServiceInstance) {}

// Name returns the strategy name.
func (b *Random) Name() string { return "random" }
