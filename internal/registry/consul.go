package registry

import (
	"context"
	"fmt"
	"sort"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/microgate/gateway/internal/config"
)

// ConsulRegistry resolves services through a Consul catalog.
type ConsulRegistry struct {
	client *consulapi.Client
}

// NewConsulRegistry connects to the Consul agent in cfg.
func NewConsulRegistry(cfg config.ConsulConfig) (*ConsulRegistry, error) {
	cc := consulapi.DefaultConfig()
	if cfg.Address != "" {
		cc.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		cc.Scheme = cfg.Scheme
	}
	if cfg.Datacenter != "" {
		cc.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		cc.Token = cfg.Token
	}

	client, err := consulapi.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &ConsulRegistry{client: client}, nil
}

// GetInstances returns the passing instances of service.
func (r *ConsulRegistry) GetInstances(ctx context.Context, service string) ([]ServiceInstance, error) {
	entries, _, err := r.client.Health().Service(service, "", true, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul health query for %s: %w", service, err)
	}

	out := make([]ServiceInstance, 0, len(entries))
	for _, e := range entries {
		host := e.Service.Address
		if host == "" {
			host = e.Node.Address
		}
		w := e.Service.Weights.Passing
		if w <= 0 {
			w = 1
		}
		out = append(out, ServiceInstance{
			ID:       e.Service.ID,
			Service:  service,
			Host:     host,
			Port:     e.Service.Port,
			Weight:   w,
			Healthy:  true,
			Metadata: e.Service.Meta,
		})
	}
	return out, nil
}

// Register announces an instance to the local Consul agent.
func (r *ConsulRegistry) Register(_ context.Context, in ServiceInstance) error {
	reg := &consulapi.AgentServiceRegistration{
		ID:      in.ID,
		Name:    in.Service,
		Address: in.Host,
		Port:    in.Port,
		Meta:    in.Metadata,
	}
	if in.Weight > 0 {
		reg.Weights = &consulapi.AgentWeights{Passing: in.Weight, Warning: 1}
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("consul register %s: %w", in.Service, err)
	}
	return nil
}

// Deregister withdraws an instance from the local Consul agent.
func (r *ConsulRegistry) Deregister(_ context.Context, in ServiceInstance) error {
	id := in.ID
	if id == "" {
		id = in.Service
	}
	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("consul deregister %s: %w", in.Service, err)
	}
	return nil
}

// Services returns the catalog's service names, sorted.
func (r *ConsulRegistry) Services(ctx context.Context) ([]string, error) {
	catalog, _, err := r.client.Catalog().Services((&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul list services: %w", err)
	}
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op; the consul client has no shutdown.
func (r *ConsulRegistry) Close() error { return nil }
