// Package broker owns the AMQP connection and the three channels derived
// from it (events, saga, publish), including auto-reconnect and health
// checks.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/legendaryum-metaverse/legend-saga-go/brokerconn"
	"github.com/legendaryum-metaverse/legend-saga-go/errs"
)

// MaxReconnectElapsed is the cumulative backoff ceiling for both the
// initial connect and any later reconnect.
const MaxReconnectElapsed = 60 * time.Second

// ReconnectHook is invoked, against the freshly-rebuilt channels, by
// Reconnect once it has replaced the cached connection and channels. The
// Client registers one that re-declares the topology and restarts whichever
// consume loops it had started, so they survive a reconnect.
type ReconnectHook func(ctx context.Context) error

// Session owns one logical AMQP connection plus the events, saga, and
// publish channels derived from it.
type Session struct {
	uri      string
	identity string
	logger   *slog.Logger

	connMu sync.RWMutex
	conn   *amqp.Connection

	eventsMu sync.Mutex
	eventsCh brokerconn.Channel

	sagaMu sync.Mutex
	sagaCh brokerconn.Channel

	publishMu sync.Mutex
	publishCh brokerconn.Channel

	reconnecting atomic.Bool

	hooksMu sync.Mutex
	hooks   []ReconnectHook
}

// New dials uri with bounded exponential backoff, opens the events and
// saga channels with prefetch 1, and returns a ready Session.
func New(ctx context.Context, uri, identity string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{uri: uri, identity: identity, logger: logger}

	conn, err := dialWithBackoff(ctx, uri)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	eventsCh, err := conn.Channel()
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionError, "open events channel", err)
	}
	if err := eventsCh.Qos(1, 0, false); err != nil {
		return nil, errs.Wrap(errs.ConnectionError, "set events channel qos", err)
	}

	sagaCh, err := conn.Channel()
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionError, "open saga channel", err)
	}
	if err := sagaCh.Qos(1, 0, false); err != nil {
		return nil, errs.Wrap(errs.ConnectionError, "set saga channel qos", err)
	}

	s.eventsCh = eventsCh
	s.sagaCh = sagaCh
	return s, nil
}

func dialWithBackoff(ctx context.Context, uri string) (*amqp.Connection, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 1.5

	operation := func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(uri)
		if err != nil {
			return nil, err // transient: keep retrying
		}
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, operation, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(MaxReconnectElapsed))
	if err != nil {
		return nil, errs.Wrap(errs.BackoffError, "exhausted backoff dialing broker", err)
	}
	return conn, nil
}

// Identity returns the microservice identity this session was built with.
func (s *Session) Identity() string { return s.identity }

// EventsChannel returns the current events channel under its mutex. The
// returned channel must not be retained past a reconnect.
func (s *Session) EventsChannel() brokerconn.Channel {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	return s.eventsCh
}

// SagaChannel returns the current saga channel under its mutex. The
// returned channel must not be retained past a reconnect.
func (s *Session) SagaChannel() brokerconn.Channel {
	s.sagaMu.Lock()
	defer s.sagaMu.Unlock()
	return s.sagaCh
}

// WithEventsChannel runs fn with the events channel mutex held, the
// discipline required because amqp091-go channels are not safe for
// concurrent use.
func (s *Session) WithEventsChannel(fn func(brokerconn.Channel) error) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	return fn(s.eventsCh)
}

// WithSagaChannel runs fn with the saga channel mutex held.
func (s *Session) WithSagaChannel(fn func(brokerconn.Channel) error) error {
	s.sagaMu.Lock()
	defer s.sagaMu.Unlock()
	return fn(s.sagaCh)
}

// GetOrInitPublishChannel returns the shared publish channel used by every
// publisher (Event Publisher, Commence-Saga Publisher, Audit Emitter),
// lazily creating it on first use and replacing it in place if the cached
// channel is no longer connected.
func (s *Session) GetOrInitPublishChannel() (brokerconn.Channel, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if s.publishCh != nil && !s.publishCh.IsClosed() {
		return s.publishCh, nil
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return nil, errs.New(errs.ConnectionError, "no connection established")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionError, "open publish channel", err)
	}
	s.publishCh = ch
	return s.publishCh, nil
}

// RegisterReconnectHook adds a hook invoked after Reconnect rebuilds the
// connection and channels. Hooks run in registration order; a hook error
// is logged, not propagated, so one dispatcher's restart failure does not
// block another's.
func (s *Session) RegisterReconnectHook(hook ReconnectHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// HealthCheck succeeds iff the connection and both role channels report
// connected within timeout.
func (s *Session) HealthCheck(ctx context.Context, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- s.checkAll()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errs.New(errs.Timeout, fmt.Sprintf("health check exceeded %s", timeout))
	case <-ctx.Done():
		return errs.Wrap(errs.Timeout, "health check cancelled", ctx.Err())
	}
}

func (s *Session) checkAll() error {
	s.connMu.RLock()
	connected := s.conn != nil && !s.conn.IsClosed()
	s.connMu.RUnlock()
	if !connected {
		return errs.New(errs.ConnectionError, "connection")
	}

	s.eventsMu.Lock()
	eventsOK := s.eventsCh != nil && !s.eventsCh.IsClosed()
	s.eventsMu.Unlock()
	if !eventsOK {
		return errs.New(errs.ConnectionError, "events channel")
	}

	s.sagaMu.Lock()
	sagaOK := s.sagaCh != nil && !s.sagaCh.IsClosed()
	s.sagaMu.Unlock()
	if !sagaOK {
		return errs.New(errs.ConnectionError, "saga channel")
	}
	return nil
}

// HealthCheckWithReconnection behaves like HealthCheck, but on failure it
// spawns a background Reconnect if one is not already running. It returns
// the immediate health result without waiting for that reconnect. While a
// reconnect is already in progress it returns a ConnectionError at once,
// without running the health check.
func (s *Session) HealthCheckWithReconnection(ctx context.Context, timeout time.Duration) error {
	if s.reconnecting.Load() {
		return errs.New(errs.ConnectionError, "reconnecting")
	}

	result := s.HealthCheck(ctx, timeout)
	if result != nil {
		if s.reconnecting.CompareAndSwap(false, true) {
			go func() {
				defer s.reconnecting.Store(false)
				if err := s.Reconnect(context.Background()); err != nil {
					s.logger.Error("reconnect failed", slog.Any("error", err))
				}
			}()
		}
	}
	return result
}

// Reconnect dials a fresh connection via backoff, recreates the events and
// saga channels, and runs every registered reconnect hook so dispatchers
// resume consuming against the new channels.
func (s *Session) Reconnect(ctx context.Context) error {
	s.logger.Warn("attempting to reconnect to broker")

	conn, err := dialWithBackoff(ctx, s.uri)
	if err != nil {
		return err
	}

	eventsCh, err := conn.Channel()
	if err != nil {
		return errs.Wrap(errs.ConnectionError, "reopen events channel", err)
	}
	if err := eventsCh.Qos(1, 0, false); err != nil {
		return errs.Wrap(errs.ConnectionError, "set events channel qos", err)
	}

	sagaCh, err := conn.Channel()
	if err != nil {
		return errs.Wrap(errs.ConnectionError, "reopen saga channel", err)
	}
	if err := sagaCh.Qos(1, 0, false); err != nil {
		return errs.Wrap(errs.ConnectionError, "set saga channel qos", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.eventsMu.Lock()
	s.eventsCh = eventsCh
	s.eventsMu.Unlock()

	s.sagaMu.Lock()
	s.sagaCh = sagaCh
	s.sagaMu.Unlock()

	s.hooksMu.Lock()
	hooks := append([]ReconnectHook(nil), s.hooks...)
	s.hooksMu.Unlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			s.logger.Error("reconnect hook failed", slog.Any("error", err))
		}
	}

	s.logger.Info("successfully reconnected to broker")
	return nil
}

// Cleanup best-effort closes the channels and connection, logging but not
// propagating errors.
func (s *Session) Cleanup() {
	s.eventsMu.Lock()
	if s.eventsCh != nil {
		if err := s.eventsCh.Close(); err != nil {
			s.logger.Warn("closing events channel", slog.Any("error", err))
		}
	}
	s.eventsMu.Unlock()

	s.sagaMu.Lock()
	if s.sagaCh != nil {
		if err := s.sagaCh.Close(); err != nil {
			s.logger.Warn("closing saga channel", slog.Any("error", err))
		}
	}
	s.sagaMu.Unlock()

	s.publishMu.Lock()
	if s.publishCh != nil {
		if err := s.publishCh.Close(); err != nil {
			s.logger.Warn("closing publish channel", slog.Any("error", err))
		}
	}
	s.publishMu.Unlock()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn("closing connection", slog.Any("error", err))
		}
	}
}
