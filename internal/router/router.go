package router

import (
	"context"
	"fmt"

	"rabbitforce/internal/config"
	"rabbitforce/pkg/models"
)

// Route identifies a publish target: a broker, an exchange on it, the
// routing key and optional message properties.
type Route struct {
	BrokerName   string
	ExchangeName string
	RoutingKey   string
	Properties   *config.PropertiesSpec
}

func (r Route) String() string {
	return fmt.Sprintf("Route(broker=%s, exchange=%s, routing_key=%s)",
		r.BrokerName, r.ExchangeName, r.RoutingKey)
}

// Rule pairs a routing condition with the route to use when it matches.
// Rule order is significant.
type Rule struct {
	Condition *Condition
	Route     Route
}

// Router finds the route for an envelope: the route of the first rule
// whose condition matches, the default route when none does, or nil when
// there is no default either. It is stateless and safe for concurrent use.
type Router struct {
	defaultRoute *Route
	rules        []Rule
}

// New compiles the router configuration. Any condition that fails to parse
// makes startup fail.
func New(cfg config.RouterConfig) (*Router, error) {
	r := &Router{}

	if cfg.DefaultRoute != nil {
		route := routeFromSpec(*cfg.DefaultRoute)
		r.defaultRoute = &route
	}

	for _, spec := range cfg.Rules {
		condition, err := NewCondition(spec.Condition)
		if err != nil {
			return nil, err
		}
		r.rules = append(r.rules, Rule{
			Condition: condition,
			Route:     routeFromSpec(spec.Route),
		})
	}
	return r, nil
}

// FindRoute evaluates the rules in order against the envelope and returns
// the first matching route, the default route, or nil.
func (r *Router) FindRoute(ctx context.Context, envelope models.Envelope) *Route {
	tree := envelope.Tree()
	for i := range r.rules {
		if r.rules[i].Condition.Matches(ctx, tree) {
			return &r.rules[i].Route
		}
	}
	return r.defaultRoute
}

func routeFromSpec(spec config.RouteSpec) Route {
	return Route{
		BrokerName:   spec.BrokerName,
		ExchangeName: spec.ExchangeName,
		RoutingKey:   spec.RoutingKey,
		Properties:   spec.Properties,
	}
}
