package pusher

import (
	"encoding/json"
	"fmt"
)

// Envelope identifiers reserved for server-initiated broadcasts. All other
// inbound envelopes carry a numeric id correlating them to a prior request.
const (
	modSilentID = "mod"
	modNotifyID = "mod_n"
)

// requestEnvelope is the client->server wire form. Data is omitted entirely
// when the request carries no payload.
type requestEnvelope struct {
	ID   uint64          `json:"id"`
	URL  string          `json:"url"`
	Data json.RawMessage `json:"data,omitempty"`
}

// responseEnvelope is the server->client reply wire form. Data is always
// present, even when the handler produced nothing.
type responseEnvelope struct {
	ID   uint64      `json:"id"`
	Data interface{} `json:"data"`
}

// broadcastEnvelope is the server->client push wire form.
type broadcastEnvelope struct {
	ID   string      `json:"id"`
	Data interface{} `json:"data"`
}

// BroadcastMode selects whether a broadcast asks observers to fire their
// notification side effects.
type BroadcastMode int

const (
	// BroadcastSilent delivers new values without notification ("mod").
	BroadcastSilent BroadcastMode = iota
	// BroadcastNotify delivers new values with notification ("mod_n").
	BroadcastNotify
)

func (m BroadcastMode) String() string {
	if m == BroadcastNotify {
		return modNotifyID
	}
	return modSilentID
}

// Response is an inbound envelope correlated to an earlier request by its
// sequence number.
type Response struct {
	ID   uint64
	Data json.RawMessage
}

// Broadcast is an inbound server-initiated update set, mapping entity
// identifiers to their new values.
type Broadcast struct {
	Mode BroadcastMode
	Data map[string]json.RawMessage
}

// decodeInbound decodes one wire message into exactly one of a Response or a
// Broadcast. The discriminant is the envelope's id field: a string selects a
// broadcast variant, a non-negative integer a reply. Decoding happens once,
// here, at the boundary; the dispatch code never inspects raw fields.
func decodeInbound(raw []byte) (*Response, *Broadcast, error) {
	var env struct {
		ID   json.RawMessage `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, err
	}
	if len(env.ID) == 0 {
		return nil, nil, fmt.Errorf("envelope has no id field")
	}
	if env.ID[0] == '"' {
		var mode string
		if err := json.Unmarshal(env.ID, &mode); err != nil {
			return nil, nil, err
		}
		var data map[string]json.RawMessage
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, nil, fmt.Errorf("bad broadcast data: %w", err)
			}
		}
		switch mode {
		case modSilentID:
			return nil, &Broadcast{Mode: BroadcastSilent, Data: data}, nil
		case modNotifyID:
			return nil, &Broadcast{Mode: BroadcastNotify, Data: data}, nil
		}
		return nil, nil, fmt.Errorf("unknown broadcast mode %q", mode)
	}
	var id uint64
	if err := json.Unmarshal(env.ID, &id); err != nil {
		return nil, nil, fmt.Errorf("bad envelope id %s: %w", env.ID, err)
	}
	return &Response{ID: id, Data: env.Data}, nil, nil
}

// hasChildren reports whether a pushed value carries a nested "children"
// substructure, letting an observer distinguish a value change from a
// subtree replacement. Non-object values never do.
func hasChildren(value json.RawMessage) bool {
	var probe struct {
		Children json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(value, &probe); err != nil {
		return false
	}
	return len(probe.Children) > 0 && string(probe.Children) != "null"
}
