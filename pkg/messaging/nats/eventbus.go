// Package nats implements messaging.EventBus on core NATS.
//
// Envelopes are JSON-encoded and published on SubjectPrefix+routingKey.
// JetStream is deliberately not used: its message-id de-duplication would
// swallow replayed envelopes, which reuse their original id.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/messaging"
	"github.com/plaenen/evstore/pkg/security/credentials"
)

// Config holds configuration for the NATS event bus.
type Config struct {
	// URL is the NATS server URL
	URL string

	// Name is the client connection name shown in server monitoring
	Name string

	// SubjectPrefix is prepended to every routing key (e.g. "evstore.")
	SubjectPrefix string

	// ConnectAttempts bounds the initial connection retries
	ConnectAttempts uint

	// ConnectTimeout is the dial timeout of a single attempt
	ConnectTimeout time.Duration

	// ReconnectWait is the delay between reconnects after a lost connection
	ReconnectWait time.Duration

	// MaxReconnects bounds reconnects after a lost connection (-1 = forever)
	MaxReconnects int
}

// DefaultConfig returns sensible defaults for NATS event bus.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		Name:            "evstore",
		ConnectAttempts: 5,
		ConnectTimeout:  2 * time.Second,
		ReconnectWait:   time.Second,
		MaxReconnects:   -1,
	}
}

// EventBus is a NATS-based implementation of messaging.EventBus.
type EventBus struct {
	nc          *nats.Conn
	config      Config
	logger      *slog.Logger
	credentials credentials.Provider

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithLogger sets the logger for connection events and handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// WithCredentials authenticates the connection with a token or a username
// and password from provider.
func WithCredentials(provider credentials.Provider) Option {
	return func(b *EventBus) {
		b.credentials = provider
	}
}

// NewEventBus connects to NATS, retrying the initial connection with
// exponential backoff.
func NewEventBus(ctx context.Context, config Config, opts ...Option) (*EventBus, error) {
	b := &EventBus{
		config: config,
		logger: slog.Default(),
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	natsOpts := []nats.Option{
		nats.Name(config.Name),
		nats.Timeout(config.ConnectTimeout),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	if b.credentials != nil {
		authOpt, err := authOption(ctx, b.credentials)
		if err != nil {
			return nil, fmt.Errorf("failed to load NATS credentials: %w", err)
		}
		natsOpts = append(natsOpts, authOpt)
	}

	attempts := config.ConnectAttempts
	if attempts == 0 {
		attempts = 1
	}

	nc, err := backoff.Retry(ctx, func() (*nats.Conn, error) {
		nc, err := nats.Connect(config.URL, natsOpts...)
		if errors.Is(err, nats.ErrAuthorization) {
			return nil, backoff.Permanent(err)
		}
		return nc, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn("nats connect failed, retrying", "url", config.URL, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.URL, domain.NewIOError("connect", err))
	}
	b.nc = nc

	return b, nil
}

func authOption(ctx context.Context, provider credentials.Provider) (nats.Option, error) {
	creds, err := provider.GetCredentials(ctx)
	if err != nil {
		return nil, err
	}
	switch creds.Type {
	case credentials.TypeToken:
		return nats.Token(creds.Token), nil
	case credentials.TypeUserPassword:
		return nats.UserInfo(creds.User, creds.Password), nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", credentials.ErrInvalidCredentials, creds.Type)
	}
}

func (b *EventBus) subject(routingKey string) string {
	return b.config.SubjectPrefix + routingKey
}

// Publish implements messaging.EventBus.
func (b *EventBus) Publish(ctx context.Context, routingKey string, env domain.RawEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", env.ID, err)
	}

	if err := b.nc.Publish(b.subject(routingKey), payload); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return domain.ErrClosed
		}
		return domain.NewIOError("publish "+routingKey, err)
	}
	return nil
}

// Subscribe implements messaging.EventBus. The server has registered the
// interest by the time Subscribe returns.
func (b *EventBus) Subscribe(ctx context.Context, routingKey string, handler messaging.Handler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, domain.ErrClosed
	}

	natsSub, err := b.nc.SubscribeSync(b.subject(routingKey))
	if err != nil {
		return nil, domain.NewIOError("subscribe "+routingKey, err)
	}
	// Replays arrive in bursts; never drop them as a slow consumer.
	if err := natsSub.SetPendingLimits(-1, -1); err != nil {
		natsSub.Unsubscribe()
		return nil, domain.NewIOError("subscribe "+routingKey, err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		natsSub.Unsubscribe()
		return nil, domain.NewIOError("subscribe "+routingKey, err)
	}

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		bus:        b,
		sub:        natsSub,
		routingKey: routingKey,
		handler:    handler,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	b.subs[sub] = struct{}{}

	go sub.listen(listenCtx)

	b.logger.Debug("subscribed", "routing_key", routingKey, "subject", natsSub.Subject)
	return sub, nil
}

// Close stops every listener, flushes pending publishes and closes the
// connection.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	if err := b.nc.FlushTimeout(time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.logger.Warn("failed to flush before close", "error", err)
	}
	b.nc.Close()
	return nil
}

// Conn exposes the underlying connection, e.g. for health checks.
func (b *EventBus) Conn() *nats.Conn {
	return b.nc
}

type subscription struct {
	bus        *EventBus
	sub        *nats.Subscription
	routingKey string
	handler    messaging.Handler
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

func (s *subscription) listen(ctx context.Context) {
	defer close(s.done)
	logger := s.bus.logger

	for {
		msg, err := s.sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil ||
				errors.Is(err, nats.ErrBadSubscription) ||
				errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			logger.Error("failed to receive message", "routing_key", s.routingKey, "error", err)
			continue
		}

		var env domain.RawEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logger.Error("failed to deserialize event", "routing_key", s.routingKey, "error", err)
			continue
		}

		if err := s.handler(ctx, env); err != nil {
			logger.Error("event handler failed",
				"routing_key", s.routingKey,
				"event_id", env.ID,
				"error", err)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.bus.logger.Warn("failed to unsubscribe", "routing_key", s.routingKey, "error", err)
		}
	})
}

// Unsubscribe implements messaging.Subscription.
func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.stop()
	return nil
}

var _ messaging.EventBus = (*EventBus)(nil)
