package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rabbitforce/internal/logger"
	"rabbitforce/internal/router"
	"rabbitforce/pkg/errors"
	"rabbitforce/pkg/models"
)

type stubRouter struct {
	route *router.Route
}

func (r *stubRouter) FindRoute(ctx context.Context, envelope models.Envelope) *router.Route {
	return r.route
}

type recordingSink struct {
	published []models.Envelope
	routes    []router.Route
	err       error
	failures  int
}

func (s *recordingSink) Publish(ctx context.Context, route router.Route, envelope models.Envelope) error {
	if s.err != nil && s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return s.err
	}
	s.published = append(s.published, envelope)
	s.routes = append(s.routes, route)
	return nil
}

func testEnvelope(org string, replayID int64) models.Envelope {
	return models.Envelope{
		OrgName: org,
		Message: map[string]interface{}{
			"channel": "/topic/lead_changes",
			"data": map[string]interface{}{
				"event": map[string]interface{}{"replayId": float64(replayID)},
			},
		},
	}
}

func runPipeline(t *testing.T, envelopes []models.Envelope, r *stubRouter, s *recordingSink, ignoreSinkErrors bool) error {
	t.Helper()
	stream := make(chan models.Envelope, len(envelopes))
	for _, envelope := range envelopes {
		stream <- envelope
	}
	close(stream)

	p := New(stream, r, s, ignoreSinkErrors, logger.NopLogger())
	return p.Run(context.Background())
}

func TestPipelineForwardsRoutedEnvelopes(t *testing.T) {
	route := &router.Route{BrokerName: "my_broker", ExchangeName: "my_exchange", RoutingKey: "event_message"}
	sink := &recordingSink{}

	err := runPipeline(t, []models.Envelope{testEnvelope("my_org", 1)}, &stubRouter{route: route}, sink, false)
	require.NoError(t, err)

	require.Len(t, sink.published, 1)
	assert.Equal(t, "my_org", sink.published[0].OrgName)
	assert.Equal(t, "event_message", sink.routes[0].RoutingKey)
}

func TestPipelineDropsUnroutedEnvelopes(t *testing.T) {
	sink := &recordingSink{}

	err := runPipeline(t, []models.Envelope{testEnvelope("my_org", 1)}, &stubRouter{route: nil}, sink, false)
	require.NoError(t, err)
	assert.Empty(t, sink.published)
}

func TestPipelinePreservesOrder(t *testing.T) {
	route := &router.Route{BrokerName: "b", ExchangeName: "x", RoutingKey: "k"}
	sink := &recordingSink{}

	envelopes := []models.Envelope{
		testEnvelope("my_org", 7),
		testEnvelope("my_org", 8),
		testEnvelope("my_org", 9),
	}
	err := runPipeline(t, envelopes, &stubRouter{route: route}, sink, false)
	require.NoError(t, err)

	require.Len(t, sink.published, 3)
	for i, want := range []int64{7, 8, 9} {
		marker, ok := sink.published[i].Marker()
		require.True(t, ok)
		assert.Equal(t, want, marker.ReplayID)
	}
}

func TestPipelineStopsOnSinkError(t *testing.T) {
	route := &router.Route{BrokerName: "b", ExchangeName: "x", RoutingKey: "k"}
	sink := &recordingSink{err: errors.ErrSinkNetwork.WithMessage("broker gone"), failures: -1}

	err := runPipeline(t, []models.Envelope{testEnvelope("my_org", 1)}, &stubRouter{route: route}, sink, false)
	require.Error(t, err)
	assert.True(t, errors.IsSinkNetwork(err))
}

func TestPipelineIgnoresSinkErrorsWhenConfigured(t *testing.T) {
	route := &router.Route{BrokerName: "b", ExchangeName: "x", RoutingKey: "k"}
	sink := &recordingSink{err: errors.ErrSinkNetwork.WithMessage("broker gone"), failures: 1}

	envelopes := []models.Envelope{
		testEnvelope("my_org", 1),
		testEnvelope("my_org", 2),
	}
	err := runPipeline(t, envelopes, &stubRouter{route: route}, sink, true)
	require.NoError(t, err)

	// first envelope dropped, second forwarded
	require.Len(t, sink.published, 1)
	marker, ok := sink.published[0].Marker()
	require.True(t, ok)
	assert.Equal(t, int64(2), marker.ReplayID)
}

func TestPipelineConfigurationErrorIsAlwaysFatal(t *testing.T) {
	route := &router.Route{BrokerName: "missing", ExchangeName: "x", RoutingKey: "k"}
	sink := &recordingSink{err: errors.ErrConfiguration.WithMessage("unknown broker"), failures: -1}

	err := runPipeline(t, []models.Envelope{testEnvelope("my_org", 1)}, &stubRouter{route: route}, sink, true)
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestPipelineCountsForwardedMessages(t *testing.T) {
	route := &router.Route{BrokerName: "b", ExchangeName: "x", RoutingKey: "k"}
	sink := &recordingSink{}
	stream := make(chan models.Envelope, 2)
	stream <- testEnvelope("my_org", 1)
	stream <- testEnvelope("my_org", 2)
	close(stream)

	p := New(stream, &stubRouter{route: route}, sink, false, logger.NopLogger())
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, uint64(2), p.Forwarded())
}
