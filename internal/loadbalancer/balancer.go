// Package loadbalancer picks one backend instance out of the candidates
// discovery returned. Strategies keep per-service state (cursors,
// connection counts) keyed by service name.
package loadbalancer

import (
	"fmt"

	"github.com/microgate/gateway/internal/registry"
)

// ErrNoInstances is returned when the candidate list is empty.
var ErrNoInstances = fmt.Errorf("no instances available")

// Balancer selects an instance for a service.
type Balancer interface {
	// Pick chooses one instance out of instances for service.
	Pick(service string, instances []registry.ServiceInstance) (registry.ServiceInstance, error)
	// Release signals that the request to instance finished. Only the
	// least-connections strategy cares; others ignore it.
	Release(service string, instance registry.ServiceInstance)
	// Name returns the strategy name.
	Name() string
}

// New builds the balancer for the given strategy name.
func New(strategy string) (Balancer, error) {
	switch strategy {
	case "round_robin":
		return NewRoundRobin(), nil
	case "least_connections":
		return NewLeastConnections(), nil
	case "weighted_round_robin":
		return NewWeightedRoundRobin(), nil
	case "random":
		return NewRandom(), nil
	default:
		return nil, fmt.Errorf("unknown load balancer strategy: %s", strategy)
	}
}
