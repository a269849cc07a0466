// Package consul is the production discovery.Registry, wrapping a Consul
// agent client.
package consul

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	consul "github.com/hashicorp/consul/api"

	"github.com/legendaryum-metaverse/legend-saga-go/discovery"
)

// Registry registers and discovers microservice instances through a
// Consul agent, using a TTL check a caller refreshes via HealthCheck.
type Registry struct {
	client *consul.Client
	logger *slog.Logger
}

// NewRegistry dials the Consul agent at addr.
func NewRegistry(addr string, logger *slog.Logger) (*Registry, error) {
	config := consul.DefaultConfig()
	config.Address = addr

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{client: client, logger: logger}, nil
}

// Register announces instanceID as serving serviceName at hostPort, with a
// 5s TTL check that must be refreshed through HealthCheck to stay passing.
func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	host, portStr, ok := strings.Cut(hostPort, ":")
	if !ok {
		return fmt.Errorf("discovery/consul: invalid hostPort %q, want host:port", hostPort)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("discovery/consul: invalid port in %q: %w", hostPort, err)
	}

	return r.client.Agent().ServiceRegister(&consul.AgentServiceRegistration{
		ID:      instanceID,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Check: &consul.AgentServiceCheck{
			CheckID:                        instanceID,
			TLSSkipVerify:                  true,
			TTL:                            "5s",
			DeregisterCriticalServiceAfter: "10s",
		},
	})
}

// Deregister removes instanceID from the agent's catalog for serviceName.
func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.logger.Info("deregistering service", slog.String("service", serviceName), slog.String("instance", instanceID))
	return r.client.Agent().ServiceDeregister(instanceID)
}

// Discover returns host:port for every passing instance of serviceName.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	services, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, err
	}

	addresses := make([]string, 0, len(services))
	for _, service := range services {
		addresses = append(addresses, fmt.Sprintf("%s:%d", service.Service.Address, service.Service.Port))
	}

	return addresses, nil
}

// HealthCheck refreshes the TTL check registered in Register. A caller
// typically ticks this from the result of Session.HealthCheck, so Consul's
// view of liveness tracks the broker connection's actual state.
func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	return r.client.Agent().UpdateTTL(instanceID, "online", consul.HealthPassing)
}

var _ discovery.Registry = (*Registry)(nil)
