package discovery

import (
	"context"
	"log/slog"
	"time"
)

// HealthFunc reports whether the thing a Registration advertises is still
// alive. A Client wires this to its Broker Session's HealthCheck, so
// Consul's view of this microservice tracks the real AMQP connection
// instead of a registration that can never fail.
type HealthFunc func() error

// Registration ties a Registry entry to a ticking HealthFunc: the TTL is
// only refreshed while the check keeps passing.
type Registration struct {
	registry    Registry
	instanceID  string
	serviceName string
	logger      *slog.Logger
	stop        chan struct{}
}

// Register announces instanceID/serviceName/addr to registry and starts a
// 1s ticker that calls check and, only when it passes, refreshes the TTL
// through registry.HealthCheck.
func Register(ctx context.Context, registry Registry, instanceID, serviceName, addr string, check HealthFunc, logger *slog.Logger) (*Registration, error) {
	if err := registry.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		logger:      logger,
		stop:        make(chan struct{}),
	}
	go r.tick(check)
	return r, nil
}

func (r *Registration) tick(check HealthFunc) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := check(); err != nil {
				r.logger.Warn("registration health check failing, not refreshing TTL", slog.String("service", r.serviceName), slog.Any("error", err))
				continue
			}
			if err := r.registry.HealthCheck(r.instanceID, r.serviceName); err != nil {
				r.logger.Error("failed to refresh registry TTL", slog.String("service", r.serviceName), slog.Any("error", err))
			}
		}
	}
}

// Deregister stops the ticker and removes the instance from the registry.
func (r *Registration) Deregister(ctx context.Context) error {
	close(r.stop)
	return r.registry.Deregister(ctx, r.instanceID, r.serviceName)
}
