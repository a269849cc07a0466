package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// PeerConnection discovers every instance of serviceName through registry,
// picks one at random, and dials it with OpenTelemetry stats propagation.
// It is meant for dialing the gRPC health probe package healthsvc exposes
// alongside a microservice's event bus participation.
func PeerConnection(ctx context.Context, serviceName string, registry Registry, logger *slog.Logger) (*grpc.ClientConn, error) {
	addrs, err := registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("discovery: no instances found for service %s", serviceName)
	}

	selected := addrs[rand.Intn(len(addrs))]
	if logger != nil {
		logger.Debug("discovered peer instances", slog.String("service", serviceName), slog.Int("count", len(addrs)), slog.String("selected", selected))
	}

	return grpc.DialContext(
		ctx,
		selected,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
}
