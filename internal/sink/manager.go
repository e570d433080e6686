package sink

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	amqp "github.com/rabbitmq/amqp091-go"

	"rabbitforce/internal/config"
	"rabbitforce/internal/constants"
	"rabbitforce/internal/logger"
	"rabbitforce/internal/router"
	"rabbitforce/pkg/errors"
	"rabbitforce/pkg/metrics"
	"rabbitforce/pkg/models"
	"rabbitforce/pkg/retry"
)

const (
	contentType     = "application/json"
	contentEncoding = "utf-8"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// publisher is the slice of a broker the manager publishes through.
type publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, props amqp.Publishing) error
	Close() error
}

// Manager owns the broker connections and publishes envelopes to whatever
// route the router picked.
type Manager struct {
	brokers map[string]publisher
	// declared records the broker/exchange pairs declared at startup so
	// a stale route is caught before a publish attempt.
	declared map[string]map[string]bool
	log      logger.Logger
}

// NewManager connects every configured broker and declares its exchanges.
// Any failure here is fatal: the service must not subscribe to a source
// before every sink is ready.
func NewManager(ctx context.Context, cfg config.SinkConfig, policy retry.Policy, log logger.Logger) (*Manager, error) {
	m := &Manager{
		brokers:  make(map[string]publisher, len(cfg.Brokers)),
		declared: make(map[string]map[string]bool, len(cfg.Brokers)),
		log:      log,
	}

	for name, spec := range cfg.Brokers {
		broker := NewBroker(name, spec, policy, log)
		if err := broker.Connect(ctx); err != nil {
			m.Close()
			return nil, err
		}
		m.brokers[name] = broker
		m.declared[name] = make(map[string]bool, len(spec.Exchanges))
		for _, ex := range spec.Exchanges {
			m.declared[name][ex.ExchangeName] = true
		}
	}
	return m, nil
}

// Brokers returns the live broker objects by name, for health checks.
func (m *Manager) Brokers() map[string]publisher {
	return m.brokers
}

// Publish serializes the envelope's message and hands it to the routed
// broker. Content type and encoding are always forced; everything else on
// the route's properties passes through.
func (m *Manager) Publish(ctx context.Context, route router.Route, envelope models.Envelope) error {
	broker, ok := m.brokers[route.BrokerName]
	if !ok || !m.declared[route.BrokerName][route.ExchangeName] {
		return errors.ErrConfiguration.WithMessage(
			"route references undeclared broker/exchange %s/%s",
			route.BrokerName, route.ExchangeName)
	}

	body, err := json.Marshal(envelope.Message)
	if err != nil {
		return errors.ErrRouting.
			WithMessage("failed to serialize message from %s", envelope.OrgName).
			WithCause(err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, constants.SinkPublishBudget)
	defer cancel()

	err = broker.Publish(publishCtx, route.ExchangeName, route.RoutingKey, body, buildProperties(route.Properties))
	if err != nil {
		metrics.SinkErrorsTotal.WithLabelValues(route.BrokerName).Inc()
		return err
	}

	metrics.ForwardedMessagesTotal.WithLabelValues(route.BrokerName, route.ExchangeName).Inc()
	return nil
}

func (m *Manager) Close() error {
	for name, broker := range m.brokers {
		if err := broker.Close(); err != nil {
			m.log.Warnw("Failed to close broker",
				"broker", name,
				"error", err,
			)
		}
	}
	return nil
}

func buildProperties(spec *config.PropertiesSpec) amqp.Publishing {
	props := amqp.Publishing{
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
	}
	if spec == nil {
		return props
	}

	props.DeliveryMode = spec.DeliveryMode
	props.Priority = spec.Priority
	props.CorrelationId = spec.CorrelationID
	props.ReplyTo = spec.ReplyTo
	props.Expiration = spec.Expiration
	props.MessageId = spec.MessageID
	props.Type = spec.Type
	props.UserId = spec.UserID
	props.AppId = spec.AppID
	if len(spec.Headers) > 0 {
		props.Headers = amqp.Table(spec.Headers)
	}
	return props
}
