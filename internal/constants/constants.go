package constants

import "time"

const (
	// DefaultAPIVersion is used for resources that don't carry an
	// ApiVersion field of their own.
	DefaultAPIVersion = 42.0
)

const (
	LoginURL        = "https://login.salesforce.com"
	SandboxLoginURL = "https://test.salesforce.com"
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	RedisOpTimeout     = 5 * time.Second
	SinkPublishBudget  = 30 * time.Second
	ShutdownTimeout    = 5 * time.Second
)

const (
	// EnvelopeQueueSize bounds the fan-in stream between the message
	// sources and the pipeline. A full queue delays the next long-poll
	// acknowledgment, which is the only back-pressure the Streaming API
	// allows.
	EnvelopeQueueSize = 64
)

const (
	DefaultSourceConnectionTimeout = 10
)
