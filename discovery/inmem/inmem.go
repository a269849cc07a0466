// Package inmem is a discovery.Registry backed by an in-process map, for
// tests and local development that should not depend on a running Consul
// agent.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/legendaryum-metaverse/legend-saga-go/discovery"
)

// ttl is how long an instance stays visible to ServiceAddresses after its
// last HealthCheck, matching the 5s TTL check consul.Registry registers.
const ttl = 5 * time.Second

type Registry struct {
	mu    sync.RWMutex
	addrs map[string]map[string]*serviceInstance
}

type serviceInstance struct {
	hostPort   string
	lastActive time.Time
}

func NewRegistry() *Registry {
	return &Registry{addrs: map[string]map[string]*serviceInstance{}}
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.addrs[serviceName]; !ok {
		r.addrs[serviceName] = map[string]*serviceInstance{}
	}
	r.addrs[serviceName][instanceID] = &serviceInstance{hostPort: hostPort, lastActive: time.Now()}
	return nil
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.addrs[serviceName]; !ok {
		return nil
	}
	delete(r.addrs[serviceName], instanceID)
	return nil
}

// HealthCheck refreshes instanceID's lastActive timestamp, the in-memory
// stand-in for a Consul TTL check passing.
func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.addrs[serviceName]; !ok {
		return errors.New("inmem: service is not registered yet")
	}
	if _, ok := r.addrs[serviceName][instanceID]; !ok {
		return errors.New("inmem: service instance is not registered yet")
	}
	r.addrs[serviceName][instanceID].lastActive = time.Now()
	return nil
}

// Discover returns every registered instance, ignoring TTL expiry; useful
// when a test wants an instance whose last HealthCheck is stale to remain
// visible. Use ServiceAddresses for TTL-filtered, production-like behavior.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.addrs[serviceName]) == 0 {
		return nil, errors.New("inmem: no service address found")
	}

	var res []string
	for _, i := range r.addrs[serviceName] {
		res = append(res, i.hostPort)
	}
	return res, nil
}

// ServiceAddresses behaves like Discover but drops instances whose last
// HealthCheck is older than ttl, simulating Consul's critical-deregister.
func (r *Registry) ServiceAddresses(ctx context.Context, serviceName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.addrs[serviceName]) == 0 {
		return nil, errors.New("inmem: no service address found")
	}

	var res []string
	cutoff := time.Now().Add(-ttl)
	for _, i := range r.addrs[serviceName] {
		if i.lastActive.Before(cutoff) {
			continue
		}
		res = append(res, i.hostPort)
	}
	if len(res) == 0 {
		return nil, errors.New("inmem: no live service address found")
	}
	return res, nil
}

var _ discovery.Registry = (*Registry)(nil)
