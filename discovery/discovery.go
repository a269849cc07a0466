// Package discovery lets a microservice announce its broker identity to a
// service registry and locate peers. It is optional: a Client only needs it
// when something outside the event bus (a gateway, a dashboard) must find
// a running instance of this microservice directly.
package discovery

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

// Registry is the surface a microservice uses to announce itself and find
// peers. consul.Registry is the production implementation; inmem.Registry
// backs tests and local development without a running Consul agent.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID builds a unique registry ID for one running process of
// serviceName, so that multiple instances sharing a single broker identity
// can register concurrently without colliding.
func GenerateInstanceID(serviceName string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return fmt.Sprintf("%s-0", serviceName)
	}
	return fmt.Sprintf("%s-%d", serviceName, n.Int64())
}
