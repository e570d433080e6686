package streaming

import "encoding/json"

// Bayeux meta channels.
const (
	metaHandshake   = "/meta/handshake"
	metaConnect     = "/meta/connect"
	metaSubscribe   = "/meta/subscribe"
	metaUnsubscribe = "/meta/unsubscribe"
	metaDisconnect  = "/meta/disconnect"
)

// Reconnect advice values defined by the Bayeux protocol.
const (
	adviceRetry     = "retry"
	adviceHandshake = "handshake"
	adviceNone      = "none"
)

// Replay ids with special meaning to the replay extension.
const (
	// ReplayNewEvents subscribes for new events only.
	ReplayNewEvents int64 = -1
	// ReplayAllEvents asks the server to replay all retained events.
	ReplayAllEvents int64 = -2
)

type advice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  int64  `json:"interval,omitempty"`
	Timeout   int64  `json:"timeout,omitempty"`
}

// message is the Bayeux wire message. Event payloads are additionally kept
// raw so subscribers receive them exactly as sent.
type message struct {
	Channel                  string                 `json:"channel"`
	Version                  string                 `json:"version,omitempty"`
	MinimumVersion           string                 `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string               `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string                 `json:"connectionType,omitempty"`
	ClientID                 string                 `json:"clientId,omitempty"`
	Subscription             string                 `json:"subscription,omitempty"`
	ID                       string                 `json:"id,omitempty"`
	Successful               *bool                  `json:"successful,omitempty"`
	Error                    string                 `json:"error,omitempty"`
	Advice                   *advice                `json:"advice,omitempty"`
	Ext                      map[string]interface{} `json:"ext,omitempty"`
	Data                     json.RawMessage        `json:"data,omitempty"`
}

func (m *message) isMeta() bool {
	return len(m.Channel) >= 6 && m.Channel[:6] == "/meta/"
}

func (m *message) succeeded() bool {
	return m.Successful != nil && *m.Successful
}

// asReceived re-materializes the message as the generic JSON object that is
// handed downstream, preserving the inbound shape.
func (m *message) asReceived(raw json.RawMessage) (map[string]interface{}, error) {
	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}
