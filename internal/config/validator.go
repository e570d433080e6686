package config

import (
	"fmt"
	"strings"

	"rabbitforce/pkg/errors"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

var exchangeTypes = map[string]bool{
	"fanout":  true,
	"direct":  true,
	"topic":   true,
	"headers": true,
}

// ValidateStatic checks everything that can be checked without network
// access: credentials and resource specs per org, exchange declarations,
// and that every route references a declared broker/exchange pair. Any
// failure here is a configuration error and fatal before startup.
func ValidateStatic(cfg *Config) error {
	var errs []error

	if len(cfg.Source.Orgs) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "source.orgs",
			Message: "at least one org must be configured",
		})
	}
	for name, org := range cfg.Source.Orgs {
		errs = append(errs, validateOrg(name, org)...)
	}

	if cfg.Source.Replay != nil {
		errs = append(errs, validateReplay(cfg.Source.Replay)...)
	}

	if len(cfg.Sink.Brokers) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "sink.brokers",
			Message: "at least one broker must be configured",
		})
	}
	for name, broker := range cfg.Sink.Brokers {
		errs = append(errs, validateBroker(name, broker)...)
	}

	errs = append(errs, validateRoutes(cfg)...)

	if combined := joinErrors(errs); combined != nil {
		return errors.ErrConfiguration.
			WithMessage("configuration validation failed").
			WithCause(combined)
	}
	return nil
}

func validateOrg(name string, org OrgSpec) []error {
	var errs []error

	field := func(f string) string { return fmt.Sprintf("source.orgs.%s.%s", name, f) }
	if org.ConsumerKey == "" {
		errs = append(errs, &ValidationError{Field: field("consumer_key"), Message: "required"})
	}
	if org.ConsumerSecret == "" {
		errs = append(errs, &ValidationError{Field: field("consumer_secret"), Message: "required"})
	}
	if org.Username == "" {
		errs = append(errs, &ValidationError{Field: field("username"), Message: "required"})
	}
	if org.Password == "" {
		errs = append(errs, &ValidationError{Field: field("password"), Message: "required"})
	}
	if len(org.StreamingResources) == 0 {
		errs = append(errs, &ValidationError{
			Field:   field("streaming_resources"),
			Message: "at least one streaming resource must be configured",
		})
	}

	for i, res := range org.StreamingResources {
		resField := fmt.Sprintf("%s[%d]", field("streaming_resources"), i)
		if res.Type != ResourceTypePushTopic && res.Type != ResourceTypeStreamingChannel {
			errs = append(errs, &ValidationError{
				Field:   resField + ".type",
				Message: fmt.Sprintf("unknown resource type %q", res.Type),
			})
			continue
		}
		if len(res.Spec) == 0 {
			errs = append(errs, &ValidationError{
				Field:   resField + ".spec",
				Message: "resource spec must not be empty",
			})
			continue
		}
		if res.Type == ResourceTypeStreamingChannel {
			if value, found := res.SpecField("Name"); found {
				name, ok := value.(string)
				if ok && !strings.HasPrefix(name, "/u/") {
					errs = append(errs, &ValidationError{
						Field:   resField + ".spec.Name",
						Message: "StreamingChannel names must start with /u/",
					})
				}
			}
		}
	}
	return errs
}

func validateReplay(replay *ReplaySpec) []error {
	var errs []error
	if replay.Address == "" {
		errs = append(errs, &ValidationError{
			Field:   "source.replay.address",
			Message: "required",
		})
	} else if !strings.HasPrefix(replay.Address, "redis://") && !strings.HasPrefix(replay.Address, "rediss://") {
		errs = append(errs, &ValidationError{
			Field:   "source.replay.address",
			Message: "address must be a redis:// URL",
		})
	}
	switch replay.Fallback {
	case "", ReplayFallbackNewEvents, ReplayFallbackAllEvents:
	default:
		errs = append(errs, &ValidationError{
			Field:   "source.replay.fallback",
			Message: fmt.Sprintf("unknown fallback %q", replay.Fallback),
		})
	}
	return errs
}

func validateBroker(name string, broker BrokerSpec) []error {
	var errs []error

	field := func(f string) string { return fmt.Sprintf("sink.brokers.%s.%s", name, f) }
	if broker.Host == "" {
		errs = append(errs, &ValidationError{Field: field("host"), Message: "required"})
	}
	for i, ex := range broker.Exchanges {
		exField := fmt.Sprintf("%s[%d]", field("exchanges"), i)
		if ex.ExchangeName == "" {
			errs = append(errs, &ValidationError{
				Field:   exField + ".exchange_name",
				Message: "required",
			})
		}
		if !exchangeTypes[ex.TypeName] {
			errs = append(errs, &ValidationError{
				Field:   exField + ".type_name",
				Message: fmt.Sprintf("unknown exchange type %q", ex.TypeName),
			})
		}
	}
	return errs
}

// validateRoutes checks that every route, including the default route,
// references a declared broker/exchange pair.
func validateRoutes(cfg *Config) []error {
	declared := make(map[string]map[string]bool, len(cfg.Sink.Brokers))
	for name, broker := range cfg.Sink.Brokers {
		declared[name] = make(map[string]bool, len(broker.Exchanges))
		for _, ex := range broker.Exchanges {
			declared[name][ex.ExchangeName] = true
		}
	}

	var errs []error
	checkRoute := func(field string, route RouteSpec) {
		exchanges, ok := declared[route.BrokerName]
		if !ok {
			errs = append(errs, &ValidationError{
				Field:   field + ".broker_name",
				Message: fmt.Sprintf("route references undeclared broker %q", route.BrokerName),
			})
			return
		}
		if !exchanges[route.ExchangeName] {
			errs = append(errs, &ValidationError{
				Field: field + ".exchange_name",
				Message: fmt.Sprintf("route references undeclared exchange %q on broker %q",
					route.ExchangeName, route.BrokerName),
			})
		}
	}

	if cfg.Router.DefaultRoute != nil {
		checkRoute("router.default_route", *cfg.Router.DefaultRoute)
	}
	for i, rule := range cfg.Router.Rules {
		field := fmt.Sprintf("router.rules[%d]", i)
		if rule.Condition == "" {
			errs = append(errs, &ValidationError{
				Field:   field + ".condition",
				Message: "required",
			})
		}
		checkRoute(field+".route", rule.Route)
	}
	return errs
}

func joinErrors(errs []error) error {
	filtered := errs[:0]
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	msgs := make([]string, len(filtered))
	for i, err := range filtered {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
