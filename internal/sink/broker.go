package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"rabbitforce/internal/config"
	"rabbitforce/internal/logger"
	"rabbitforce/pkg/errors"
	"rabbitforce/pkg/retry"
)

// Broker is one AMQP connection with a single publisher channel. The
// channel is used by one pipeline goroutine at a time; reconnection is
// serialized through the same mutex as publishing.
type Broker struct {
	name   string
	spec   config.BrokerSpec
	policy retry.Policy
	log    logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewBroker(name string, spec config.BrokerSpec, policy retry.Policy, log logger.Logger) *Broker {
	return &Broker{
		name:   name,
		spec:   spec,
		policy: policy,
		log:    log,
	}
}

func (b *Broker) Name() string {
	return b.name
}

// Connection returns the current connection, for health checks. May be
// nil before Connect.
func (b *Broker) Connection() *amqp.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *Broker) amqpURL() string {
	scheme := "amqp"
	port := 5672
	if b.spec.SSL {
		scheme = "amqps"
		port = 5671
	}
	if b.spec.Port != 0 {
		port = b.spec.Port
	}

	login := b.spec.Login
	if login == "" {
		login = "guest"
	}
	password := b.spec.Password
	if password == "" {
		password = "guest"
	}

	return fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		scheme,
		url.QueryEscape(login),
		url.QueryEscape(password),
		b.spec.Host,
		port,
		url.PathEscape(b.virtualHost()))
}

func (b *Broker) virtualHost() string {
	if b.spec.VirtualHost == "" {
		return "/"
	}
	return b.spec.VirtualHost
}

func (b *Broker) dialConfig() amqp.Config {
	cfg := amqp.Config{
		Vhost:     b.virtualHost(),
		Heartbeat: 10 * time.Second,
	}
	if b.spec.SSL {
		verify := b.spec.VerifySSL == nil || *b.spec.VerifySSL
		cfg.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !verify,
		}
	}
	return cfg
}

// Connect dials the broker and declares its exchanges. Called once at
// startup, where failure is fatal, and again from the publish path when
// the connection was lost.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

func (b *Broker) connectLocked(ctx context.Context) error {
	if b.ch != nil && !b.ch.IsClosed() {
		return nil
	}
	b.closeLocked()

	conn, err := amqp.DialConfig(b.amqpURL(), b.dialConfig())
	if err != nil {
		return errors.ErrSinkNetwork.
			WithMessage("failed to connect to broker %s", b.name).
			WithCause(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.ErrSinkNetwork.
			WithMessage("failed to open channel on broker %s", b.name).
			WithCause(err)
	}

	for _, ex := range b.spec.Exchanges {
		declare := ch.ExchangeDeclare
		if ex.Passive {
			declare = ch.ExchangeDeclarePassive
		}
		err := declare(
			ex.ExchangeName,
			ex.TypeName,
			ex.Durable,
			ex.AutoDelete,
			false, // internal
			ex.NoWait,
			amqp.Table(ex.Arguments),
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return errors.ErrSinkNetwork.
				WithMessage("failed to declare exchange %s on broker %s", ex.ExchangeName, b.name).
				WithCause(err)
		}
	}

	b.conn = conn
	b.ch = ch
	b.log.Infow("Broker connected",
		"broker", b.name,
		"host", b.spec.Host,
		"exchanges", len(b.spec.Exchanges),
	)
	return nil
}

// Publish sends one message, reconnecting under the backoff schedule when
// the connection is gone. The whole attempt is bounded by the caller's
// context; an exhausted budget surfaces as a sink network error.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte, props amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	props.Body = body
	publish := func() error {
		if err := b.connectLocked(ctx); err != nil {
			return err
		}
		err := b.ch.PublishWithContext(ctx, exchange, routingKey, false, false, props)
		if err != nil {
			b.closeLocked()
			return errors.ErrSinkNetwork.
				WithMessage("failed to publish to %s on broker %s", exchange, b.name).
				WithCause(err)
		}
		return nil
	}

	err := retry.RetryWithCallback(ctx, b.policy, publish,
		func(attempt int, err error, next time.Duration) {
			b.log.Warnw("Publish failed, backing off",
				"broker", b.name,
				"exchange", exchange,
				"attempt", attempt,
				"next_delay", next,
				"error", err,
			)
		})
	if err != nil && !errors.IsSinkNetwork(err) {
		// a context deadline from an exhausted publish budget is still a
		// sink failure to the caller's error policy
		return errors.ErrSinkNetwork.
			WithMessage("gave up publishing to %s on broker %s", exchange, b.name).
			WithCause(err)
	}
	return err
}

func (b *Broker) closeLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	return nil
}
