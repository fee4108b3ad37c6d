// Package registry abstracts service discovery. The gateway asks it for
// the live instances of a backend service; how those instances are known
// (static file, Nacos, Consul) is a backend detail.
package registry

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotSupported is returned by backends that cannot mutate their
// instance table, such as the static file registry.
var ErrNotSupported = errors.New("operation not supported by discovery backend")

// ServiceInstance is one addressable backend.
type ServiceInstance struct {
	ID       string
	Service  string
	Host     string
	Port     int
	Weight   int
	Healthy  bool
	Metadata map[string]string
}

// Addr returns the host:port of the instance.
func (s ServiceInstance) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// URL returns the base URL of the instance.
func (s ServiceInstance) URL() string {
	return "http://" + s.Addr()
}

// Registry resolves a service name to its healthy instances.
//
// GetInstances never returns an error together with instances: an empty
// slice means the service is currently unresolvable and the caller maps
// that to a no-healthy-instance response.
type Registry interface {
	// GetInstances returns the healthy instances of service.
	GetInstances(ctx context.Context, service string) ([]ServiceInstance, error)
	// Register announces an instance to the backend. Backends without a
	// mutable catalog return ErrNotSupported.
	Register(ctx context.Context, instance ServiceInstance) error
	// Deregister withdraws an instance from the backend.
	Deregister(ctx context.Context, instance ServiceInstance) error
	// Services returns the names of all known services.
	Services(ctx context.Context) ([]string, error)
	// Close releases backend resources.
	Close() error
}
