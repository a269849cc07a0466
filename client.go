// Package legendsaga wires the broker session, the topology builder, the
// event and saga dispatchers, the audit dispatcher, and the event and
// commence-saga publishers into a single client a microservice constructs
// once at startup.
package legendsaga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/legendaryum-metaverse/legend-saga-go/audit"
	"github.com/legendaryum-metaverse/legend-saga-go/broker"
	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/discovery"
	"github.com/legendaryum-metaverse/legend-saga-go/discovery/consul"
	"github.com/legendaryum-metaverse/legend-saga-go/events"
	"github.com/legendaryum-metaverse/legend-saga-go/logger"
	"github.com/legendaryum-metaverse/legend-saga-go/metrics"
	"github.com/legendaryum-metaverse/legend-saga-go/saga"
	"github.com/legendaryum-metaverse/legend-saga-go/topology"
)

// Config is the configuration surface for a Client: a broker URI, a
// microservice identity, and the event subscription list the Topology
// Builder uses to decide which bindings this microservice needs.
//
// ConsulAddr and AdvertiseAddr are optional: set both to have the Client
// self-register with Consul, ticking its registry TTL off the same
// HealthCheck a caller would use directly. Leave ConsulAddr empty to skip
// service discovery entirely.
type Config struct {
	URI           string
	Identity      string
	Subscriptions []events.Tag
	Logger        *slog.Logger
	Metrics       *metrics.Registry
	ConsulAddr    string
	AdvertiseAddr string
}

// Client is the single entry point a microservice uses to participate in
// the event bus, the saga protocol, and the audit stream.
type Client struct {
	session  *broker.Session
	identity string
	logger   *slog.Logger
	metrics  *metrics.Registry
	subs     []events.Tag

	Audit           *audit.Emitter
	EventDispatcher *events.Dispatcher
	SagaDispatcher  *saga.Dispatcher
	AuditDispatcher *audit.Dispatcher
	EventPublisher  *events.Publisher
	Commence        *saga.CommencePublisher

	registry     discovery.Registry
	registration *discovery.Registration

	runningMu     sync.Mutex
	eventsStarted bool
	sagaStarted   bool
	auditStarted  bool
}

// New connects to the broker, declares every topology entity this
// microservice needs, and returns a ready Client. It does not yet start
// any consume loop — call StartEvents/StartSagaCommands/StartAudit for
// the subsystems this microservice participates in.
func New(ctx context.Context, cfg Config) (*Client, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.New(cfg.Identity)
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.New()
	}

	session, err := broker.New(ctx, cfg.URI, cfg.Identity, log)
	if err != nil {
		return nil, fmt.Errorf("legendsaga: connect: %w", err)
	}

	c := &Client{
		session:  session,
		identity: cfg.Identity,
		logger:   log,
		metrics:  reg,
		subs:     cfg.Subscriptions,
	}

	c.Audit = audit.New(session.GetOrInitPublishChannel, reg, log)
	c.EventDispatcher = events.NewDispatcher(cfg.Identity, c.Audit, reg, log)
	c.SagaDispatcher = saga.NewDispatcher(cfg.Identity, session.GetOrInitPublishChannel, reg, log)
	c.AuditDispatcher = audit.NewDispatcher(log)
	c.EventPublisher = events.NewPublisher(cfg.Identity, session.GetOrInitPublishChannel, c.Audit)
	c.Commence = saga.NewCommencePublisher(session.GetOrInitPublishChannel)

	if err := c.declareTopology(); err != nil {
		return nil, err
	}

	session.RegisterReconnectHook(func(ctx context.Context) error {
		if err := c.declareTopology(); err != nil {
			return err
		}
		return c.restartConsumers(ctx)
	})

	if cfg.ConsulAddr != "" && cfg.AdvertiseAddr != "" {
		if err := c.registerWithConsul(ctx, cfg.ConsulAddr, cfg.AdvertiseAddr); err != nil {
			session.Cleanup()
			return nil, fmt.Errorf("legendsaga: register with consul: %w", err)
		}
	}

	return c, nil
}

// registerWithConsul builds a Consul-backed Registry and announces this
// microservice under its broker identity, ticking the registry TTL off
// Session.HealthCheck so Consul's view of liveness tracks the AMQP
// connection itself rather than an unconditionally-passing probe.
func (c *Client) registerWithConsul(ctx context.Context, consulAddr, advertiseAddr string) error {
	registry, err := consul.NewRegistry(consulAddr, c.logger)
	if err != nil {
		return err
	}

	instanceID := discovery.GenerateInstanceID(c.identity)
	registration, err := discovery.Register(ctx, registry, instanceID, c.identity, advertiseAddr, func() error {
		return c.session.HealthCheck(context.Background(), 2*time.Second)
	}, c.logger)
	if err != nil {
		return err
	}

	c.registry = registry
	c.registration = registration
	return nil
}

// Session exposes the underlying Broker Session for health checks and
// manual reconnect control.
func (c *Client) Session() *broker.Session { return c.session }

// Metrics exposes the Prometheus registry this client records against.
func (c *Client) Metrics() *metrics.Registry { return c.metrics }

func (c *Client) declareTopology() error {
	if err := c.session.WithEventsChannel(func(ch brokerconn.Channel) error {
		return topology.BuildEventTopology(ch, c.identity, events.AsStrings(events.All), events.AsStrings(c.subs))
	}); err != nil {
		return fmt.Errorf("legendsaga: declare event topology: %w", err)
	}

	if err := c.session.WithSagaChannel(func(ch brokerconn.Channel) error {
		return topology.BuildSagaTopology(ch, c.identity)
	}); err != nil {
		return fmt.Errorf("legendsaga: declare saga topology: %w", err)
	}

	if err := c.session.WithEventsChannel(func(ch brokerconn.Channel) error {
		return topology.BuildAuditTopology(ch)
	}); err != nil {
		return fmt.Errorf("legendsaga: declare audit topology: %w", err)
	}

	return nil
}

// StartEvents begins consuming this microservice's event intake queue.
// Register handlers on EventDispatcher before calling this. The consume
// loop runs until ctx is cancelled or the connection is lost; after a loss,
// the reconnect hook restarts it once Session.Reconnect (called directly or
// through Session.HealthCheckWithReconnection) has rebuilt the channels.
func (c *Client) StartEvents(ctx context.Context) error {
	c.runningMu.Lock()
	c.eventsStarted = true
	c.runningMu.Unlock()

	go func() {
		if err := c.EventDispatcher.Run(ctx, c.session.EventsChannel()); err != nil {
			c.logger.Error("event dispatcher stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// StartSagaCommands begins consuming this microservice's saga intake
// queue. Register handlers on SagaDispatcher before calling this.
func (c *Client) StartSagaCommands(ctx context.Context) error {
	c.runningMu.Lock()
	c.sagaStarted = true
	c.runningMu.Unlock()

	go func() {
		if err := c.SagaDispatcher.Run(ctx, c.session.SagaChannel()); err != nil {
			c.logger.Error("saga dispatcher stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// StartAudit begins consuming all four audit sink queues. Register
// handlers on AuditDispatcher before calling this.
func (c *Client) StartAudit(ctx context.Context) error {
	c.runningMu.Lock()
	c.auditStarted = true
	c.runningMu.Unlock()

	for _, queue := range []string{
		topology.AuditReceivedQueue,
		topology.AuditProcessedQueue,
		topology.AuditDeadLetterQueue,
		topology.AuditPublishedQueue,
	} {
		queue := queue
		go func() {
			if err := c.AuditDispatcher.Run(ctx, c.session.EventsChannel(), queue); err != nil {
				c.logger.Error("audit dispatcher stopped", slog.String("queue", queue), slog.Any("error", err))
			}
		}()
	}
	return nil
}

// restartConsumers re-invokes whichever Start* calls had previously run,
// against the channels Reconnect just rebuilt.
func (c *Client) restartConsumers(ctx context.Context) error {
	c.runningMu.Lock()
	eventsOn, sagaOn, auditOn := c.eventsStarted, c.sagaStarted, c.auditStarted
	c.runningMu.Unlock()

	if eventsOn {
		if err := c.StartEvents(ctx); err != nil {
			return err
		}
	}
	if sagaOn {
		if err := c.StartSagaCommands(ctx); err != nil {
			return err
		}
	}
	if auditOn {
		if err := c.StartAudit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close deregisters from Consul, if registered, and releases the broker
// connection and channels.
func (c *Client) Close() {
	if c.registration != nil {
		if err := c.registration.Deregister(context.Background()); err != nil {
			c.logger.Warn("failed to deregister from consul", slog.Any("error", err))
		}
	}
	c.session.Cleanup()
}
