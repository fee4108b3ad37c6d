package registry

import (
	"fmt"

	"github.com/microgate/gateway/internal/config"
)

// New builds the discovery backend selected by cfg.Type.
func New(cfg config.DiscoveryConfig, servicesFile string) (Registry, error) {
	switch cfg.Type {
	case "static":
		return NewStaticRegistry(servicesFile)
	case "nacos":
		return NewNacosRegistry(cfg.Nacos)
	case "consul":
		return NewConsulRegistry(cfg.Consul)
	default:
		return nil, fmt.Errorf("unknown discovery type: %s", cfg.Type)
	}
}
