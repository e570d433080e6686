package config

import "strings"

// Config is the top level application configuration loaded from the
// CONFIG_FILE argument.
type Config struct {
	Source SourceConfig `mapstructure:"source"`
	Sink   SinkConfig   `mapstructure:"sink"`
	Router RouterConfig `mapstructure:"router"`
	Server ServerConfig `mapstructure:"server"`
}

type SourceConfig struct {
	Orgs   map[string]OrgSpec `mapstructure:"orgs"`
	Replay *ReplaySpec        `mapstructure:"replay"`
}

type OrgSpec struct {
	ConsumerKey        string         `mapstructure:"consumer_key"`
	ConsumerSecret     string         `mapstructure:"consumer_secret"`
	Username           string         `mapstructure:"username"`
	Password           string         `mapstructure:"password"`
	Sandbox            bool           `mapstructure:"sandbox"`
	StreamingResources []ResourceSpec `mapstructure:"streaming_resources"`
}

const (
	ResourceTypePushTopic        = "PushTopic"
	ResourceTypeStreamingChannel = "StreamingChannel"
)

type ResourceSpec struct {
	Type    string                 `mapstructure:"type"`
	Spec    map[string]interface{} `mapstructure:"spec"`
	Durable *bool                  `mapstructure:"durable"`
}

// IsDurable reports whether the resource should outlive the service.
// Resources are durable unless the spec says otherwise.
func (r ResourceSpec) IsDurable() bool {
	if r.Durable == nil {
		return true
	}
	return *r.Durable
}

// SpecField looks up a resource spec field by name, ignoring case. The
// config loader lowercases map keys, while Salesforce field names are
// conventionally CamelCase.
func (r ResourceSpec) SpecField(name string) (interface{}, bool) {
	if value, ok := r.Spec[name]; ok {
		return value, true
	}
	lower := strings.ToLower(name)
	for key, value := range r.Spec {
		if strings.ToLower(key) == lower {
			return value, true
		}
	}
	return nil, false
}

type ReplaySpec struct {
	Address             string            `mapstructure:"address"`
	KeyPrefix           string            `mapstructure:"key_prefix"`
	Fallback            string            `mapstructure:"fallback"`
	AdditionalParams    map[string]string `mapstructure:"additional_params"`
	IgnoreNetworkErrors bool              `mapstructure:"ignore_network_errors"`
}

const (
	// ReplayFallbackNewEvents subscribes for new events only when no
	// replay marker is stored.
	ReplayFallbackNewEvents = "new_events"
	// ReplayFallbackAllEvents asks the server to replay all retained
	// events when no replay marker is stored.
	ReplayFallbackAllEvents = "all_events"
)

type SinkConfig struct {
	Brokers map[string]BrokerSpec `mapstructure:"brokers"`
}

type BrokerSpec struct {
	Host        string         `mapstructure:"host"`
	Port        int            `mapstructure:"port"`
	Login       string         `mapstructure:"login"`
	Password    string         `mapstructure:"password"`
	VirtualHost string         `mapstructure:"virtualhost"`
	SSL         bool           `mapstructure:"ssl"`
	VerifySSL   *bool          `mapstructure:"verify_ssl"`
	LoginMethod string         `mapstructure:"login_method"`
	Insist      bool           `mapstructure:"insist"`
	Exchanges   []ExchangeSpec `mapstructure:"exchanges"`
}

type ExchangeSpec struct {
	ExchangeName string                 `mapstructure:"exchange_name"`
	TypeName     string                 `mapstructure:"type_name"`
	Passive      bool                   `mapstructure:"passive"`
	Durable      bool                   `mapstructure:"durable"`
	AutoDelete   bool                   `mapstructure:"auto_delete"`
	NoWait       bool                   `mapstructure:"no_wait"`
	Arguments    map[string]interface{} `mapstructure:"arguments"`
}

type RouterConfig struct {
	DefaultRoute *RouteSpec `mapstructure:"default_route"`
	Rules        []RuleSpec `mapstructure:"rules"`
}

type RouteSpec struct {
	BrokerName   string          `mapstructure:"broker_name"`
	ExchangeName string          `mapstructure:"exchange_name"`
	RoutingKey   string          `mapstructure:"routing_key"`
	Properties   *PropertiesSpec `mapstructure:"properties"`
}

// PropertiesSpec is the constrained subset of AMQP basic properties a route
// may set. Content type and encoding are always forced by the sink and are
// deliberately absent.
type PropertiesSpec struct {
	DeliveryMode  uint8                  `mapstructure:"delivery_mode"`
	Priority      uint8                  `mapstructure:"priority"`
	CorrelationID string                 `mapstructure:"correlation_id"`
	ReplyTo       string                 `mapstructure:"reply_to"`
	Expiration    string                 `mapstructure:"expiration"`
	MessageID     string                 `mapstructure:"message_id"`
	Type          string                 `mapstructure:"type"`
	UserID        string                 `mapstructure:"user_id"`
	AppID         string                 `mapstructure:"app_id"`
	Headers       map[string]interface{} `mapstructure:"headers"`
}

type RuleSpec struct {
	Condition string    `mapstructure:"condition"`
	Route     RouteSpec `mapstructure:"route"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}
