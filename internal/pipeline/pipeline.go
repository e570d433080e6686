package pipeline

import (
	"context"

	"rabbitforce/internal/logger"
	"rabbitforce/internal/router"
	"rabbitforce/pkg/errors"
	"rabbitforce/pkg/metrics"
	"rabbitforce/pkg/models"
)

// messageRouter is the slice of the router the pipeline uses.
type messageRouter interface {
	FindRoute(ctx context.Context, envelope models.Envelope) *router.Route
}

// messageSink is the slice of the sink manager the pipeline uses.
type messageSink interface {
	Publish(ctx context.Context, route router.Route, envelope models.Envelope) error
}

// Pipeline drains the envelope stream through the router into the sink.
// The error policy decides whether a failed publish is swallowed or stops
// the service.
type Pipeline struct {
	envelopes        <-chan models.Envelope
	router           messageRouter
	sink             messageSink
	ignoreSinkErrors bool
	log              logger.Logger

	forwarded uint64
}

func New(envelopes <-chan models.Envelope, r messageRouter, s messageSink, ignoreSinkErrors bool, log logger.Logger) *Pipeline {
	return &Pipeline{
		envelopes:        envelopes,
		router:           r,
		sink:             s,
		ignoreSinkErrors: ignoreSinkErrors,
		log:              log,
	}
}

// Run forwards envelopes until the stream ends or an error escapes the
// policy. Cancellation is observed through the stream: when the sources
// stop, the stream drains and closes, so in-flight envelopes are never cut
// off mid-publish.
func (p *Pipeline) Run(ctx context.Context) error {
	for envelope := range p.envelopes {
		if err := p.forward(ctx, envelope); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) forward(ctx context.Context, envelope models.Envelope) error {
	route := p.router.FindRoute(ctx, envelope)
	if route == nil {
		metrics.DroppedMessagesTotal.WithLabelValues(envelope.OrgName).Inc()
		p.log.Debugw("No route found, message dropped",
			"org", envelope.OrgName,
			"channel", envelope.Channel(),
		)
		return nil
	}

	if err := p.sink.Publish(ctx, *route, envelope); err != nil {
		if errors.IsSinkNetwork(err) && p.ignoreSinkErrors {
			p.log.Warnw("Ignoring sink failure, message dropped",
				"org", envelope.OrgName,
				"channel", envelope.Channel(),
				"route", route.String(),
				"error", err,
			)
			return nil
		}
		return err
	}

	p.forwarded++
	p.log.Infof("Forwarded message %d on channel %s from %s to %s",
		p.forwarded, envelope.Channel(), envelope.OrgName, route)
	return nil
}

// Forwarded reports how many envelopes have been published.
func (p *Pipeline) Forwarded() uint64 {
	return p.forwarded
}
