package models

// Envelope is the unit of routing: the name of the org a message was
// received from together with the message exactly as it arrived on the
// streaming channel. It is created by the source manager and never mutated
// downstream.
type Envelope struct {
	OrgName string                 `json:"org_name"`
	Message map[string]interface{} `json:"message"`
}

// ReplayMarker records the last replay id seen on a channel.
type ReplayMarker struct {
	ReplayID    int64  `json:"replayId"`
	CreatedDate string `json:"createdDate"`
}

// Channel returns the streaming channel the message arrived on, or "" if
// the message carries none.
func (e Envelope) Channel() string {
	ch, _ := e.Message["channel"].(string)
	return ch
}

// Marker extracts the replay marker from the message's data.event section.
// Not every generic streaming event carries one.
func (e Envelope) Marker() (ReplayMarker, bool) {
	data, ok := e.Message["data"].(map[string]interface{})
	if !ok {
		return ReplayMarker{}, false
	}
	event, ok := data["event"].(map[string]interface{})
	if !ok {
		return ReplayMarker{}, false
	}

	var marker ReplayMarker
	switch id := event["replayId"].(type) {
	case float64:
		marker.ReplayID = int64(id)
	case int64:
		marker.ReplayID = id
	case int:
		marker.ReplayID = int64(id)
	default:
		return ReplayMarker{}, false
	}
	marker.CreatedDate, _ = event["createdDate"].(string)
	return marker, true
}

// Tree returns the envelope as a generic JSON tree wrapped in a one element
// list, the shape routing conditions are evaluated against.
func (e Envelope) Tree() []interface{} {
	return []interface{}{
		map[string]interface{}{
			"org_name": e.OrgName,
			"message":  e.Message,
		},
	}
}
