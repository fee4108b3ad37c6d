package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"github.com/microgate/gateway/internal/config"
)

// NacosRegistry resolves services through a Nacos naming service.
type NacosRegistry struct {
	client naming_client.INamingClient
	group  string
}

// NewNacosRegistry connects to the Nacos servers in cfg.
func NewNacosRegistry(cfg config.NacosConfig) (*NacosRegistry, error) {
	var servers []constant.ServerConfig
	for _, addr := range strings.Split(cfg.ServerAddresses, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		host, portStr, ok := strings.Cut(addr, ":")
		port := 8848
		if ok {
			p, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid nacos address %q: %w", addr, err)
			}
			port = p
		}
		servers = append(servers, *constant.NewServerConfig(host, uint64(port)))
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no nacos server addresses configured")
	}

	cc := *constant.NewClientConfig(
		constant.WithNamespaceId(cfg.Namespace),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
	)

	client, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  &cc,
		ServerConfigs: servers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos client: %w", err)
	}

	group := cfg.Group
	if group == "" {
		group = "DEFAULT_GROUP"
	}
	return &NacosRegistry{client: client, group: group}, nil
}

// GetInstances returns the healthy instances Nacos knows for service.
func (r *NacosRegistry) GetInstances(_ context.Context, service string) ([]ServiceInstance, error) {
	list, err := r.client.SelectInstances(vo.SelectInstancesParam{
		ServiceName: service,
		GroupName:   r.group,
		HealthyOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("nacos select instances for %s: %w", service, err)
	}

	out := make([]ServiceInstance, 0, len(list))
	for _, in := range list {
		w := int(in.Weight)
		if w <= 0 {
			w = 1
		}
		out = append(out, ServiceInstance{
			ID:       in.InstanceId,
			Service:  service,
			Host:     in.Ip,
			Port:     int(in.Port),
			Weight:   w,
			Healthy:  in.Healthy,
			Metadata: in.Metadata,
		})
	}
	return out, nil
}

// Register announces an ephemeral instance to Nacos.
func (r *NacosRegistry) Register(_ context.Context, in ServiceInstance) error {
	weight := float64(in.Weight)
	if weight <= 0 {
		weight = 1
	}
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          in.Host,
		Port:        uint64(in.Port),
		ServiceName: in.Service,
		GroupName:   r.group,
		Weight:      weight,
		Enable:      true,
		Healthy:     in.Healthy,
		Ephemeral:   true,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return fmt.Errorf("nacos register %s: %w", in.Service, err)
	}
	if !ok {
		return fmt.Errorf("nacos register %s: rejected", in.Service)
	}
	return nil
}

// Deregister withdraws an instance from Nacos.
func (r *NacosRegistry) Deregister(_ context.Context, in ServiceInstance) error {
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          in.Host,
		Port:        uint64(in.Port),
		ServiceName: in.Service,
		GroupName:   r.group,
		Ephemeral:   true,
	})
	if err != nil {
		return fmt.Errorf("nacos deregister %s: %w", in.Service, err)
	}
	if !ok {
		return fmt.Errorf("nacos deregister %s: rejected", in.Service)
	}
	return nil
}

// Services returns the service names registered in the group.
func (r *NacosRegistry) Services(_ context.Context) ([]string, error) {
	page, err := r.client.GetAllServicesInfo(vo.GetAllServiceInfoParam{
		GroupName: r.group,
		PageNo:    1,
		PageSize:  1000,
	})
	if err != nil {
		return nil, fmt.Errorf("nacos list services: %w", err)
	}
	return page.Doms, nil
}

// Close shuts down the naming client.
func (r *NacosRegistry) Close() error {
	r.client.CloseClient()
	return nil
}
