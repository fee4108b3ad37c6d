package registry

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/goccy/go-yaml"
)

// staticFile is the on-disk shape of the services file.
type staticFile struct {
	Services map[string]staticService `yaml:"services"`
}

type staticService struct {
	Instances []staticInstance `yaml:"instances"`
}

type staticInstance struct {
	URL     string `yaml:"url"`
	Weight  *int   `yaml:"weight"`
	Healthy *bool  `yaml:"healthy"`
}

// StaticRegistry serves instances from a YAML file. It is the default
// backend for development and for deployments without a naming service.
type StaticRegistry struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
}

// NewStaticRegistry loads the services file at path.
func NewStaticRegistry(path string) (*StaticRegistry, error) {
	r := &StaticRegistry{instances: map[string][]ServiceInstance{}}
	if err := r.LoadFile(path); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticFromMap builds a registry from an in-memory table.
func NewStaticFromMap(instances map[string][]ServiceInstance) *StaticRegistry {
	return &StaticRegistry{instances: instances}
}

// LoadFile replaces the instance table with the contents of path.
func (r *StaticRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read services file: %w", err)
	}
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse services file: %w", err)
	}

	table := make(map[string][]ServiceInstance, len(f.Services))
	for name, svc := range f.Services {
		for i, in := range svc.Instances {
			host, port, err := splitURL(in.URL)
			if err != nil {
				return fmt.Errorf("service %s instance %d: %w", name, i, err)
			}
			weight := 1
			if in.Weight != nil {
				weight = *in.Weight
			}
			healthy := true
			if in.Healthy != nil {
				healthy = *in.Healthy
			}
			table[name] = append(table[name], ServiceInstance{
				ID:      fmt.Sprintf("%s-%d", name, i),
				Service: name,
				Host:    host,
				Port:    port,
				Weight:  weight,
				Healthy: healthy,
			})
		}
	}

	r.mu.Lock()
	r.instances = table
	r.mu.Unlock()
	return nil
}

func splitURL(raw string) (string, int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("invalid instance url %q: %w", raw, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("invalid instance url %q: no host", raw)
	}
	port := 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid instance url %q: %w", raw, err)
		}
	} else if u.Scheme == "https" {
		port = 443
	}
	return host, port, nil
}

// GetInstances returns the configured instances of service, healthy or
// not; callers filter on health.
func (r *StaticRegistry) GetInstances(_ context.Context, service string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.instances[service]
	out := make([]ServiceInstance, len(list))
	copy(out, list)
	return out, nil
}

// Register is not supported; the instance table comes from the file.
func (r *StaticRegistry) Register(context.Context, ServiceInstance) error {
	return ErrNotSupported
}

// Deregister is not supported; edit the file and reload instead.
func (r *StaticRegistry) Deregister(context.Context, ServiceInstance) error {
	return ErrNotSupported
}

// Services returns the configured service names, sorted.
func (r *StaticRegistry) Services(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op for the static backend.
func (r *StaticRegistry) Close() error { return nil }
