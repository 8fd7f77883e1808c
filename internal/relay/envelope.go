// Package relay implements the control-plane relay core: the session
// registry, the per-role message router, the local action processor, the
// correlation broker, and the audit mirror. It connects managed game-server
// processes to interactive API clients over persistent duplex connections,
// multiplexed per managed-server UID.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved routing identities. LocalIdentity addresses the relay itself;
// ServerIdentity is the default destination marker for the managed server's
// authoritative connection. Both are distinct from any generated session id.
const (
	LocalIdentity  = "mcsv"
	ServerIdentity = "server"
)

// errInvalidTo is returned by envelope decoding when the "to" field is
// present but is neither a string nor an array of strings.
var errInvalidTo = errors.New("relay: envelope \"to\" must be a string or an array of strings")

// Destination is the envelope "to" field: absent (broadcast), a single
// identity, or a list of identities. The zero value means "absent".
type Destination struct {
	ids  []string
	many bool
}

// To builds a single-identity destination.
func To(id string) Destination {
	return Destination{ids: []string{id}}
}

// ToList builds a multi-identity destination. The wire form is a JSON array
// even when only one id is given.
func ToList(ids ...string) Destination {
	return Destination{ids: ids, many: true}
}

// IsZero reports whether the destination is absent. Used by the json
// omitzero option so broadcast envelopes carry no "to" field at all.
func (d Destination) IsZero() bool {
	return !d.many && len(d.ids) == 0
}

// Single returns the destination identity when the wire form was a single
// string.
func (d Destination) Single() (string, bool) {
	if d.many || len(d.ids) != 1 {
		return "", false
	}
	return d.ids[0], true
}

// List returns the destination identities when the wire form was an array.
func (d Destination) List() ([]string, bool) {
	if !d.many {
		return nil, false
	}
	return d.ids, true
}

// UnmarshalJSON accepts a string, an array of strings, or null.
func (d *Destination) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = Destination{}
		return nil
	}
	switch data[0] {
	case '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return errInvalidTo
		}
		*d = Destination{ids: []string{id}}
		return nil
	case '[':
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return errInvalidTo
		}
		*d = Destination{ids: ids, many: true}
		return nil
	}
	return errInvalidTo
}

// MarshalJSON emits the original wire form: a bare string for single
// destinations, an array for lists.
func (d Destination) MarshalJSON() ([]byte, error) {
	if d.many {
		if d.ids == nil {
			return json.Marshal([]string{})
		}
		return json.Marshal(d.ids)
	}
	if len(d.ids) == 1 {
		return json.Marshal(d.ids[0])
	}
	return []byte("null"), nil
}

// Payload is the {action, data} application message carried inside an
// envelope. Envelopes exist only to route payloads; the relay inspects
// nothing beyond the action field.
type Payload struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Envelope is the routing wrapper exchanged between sessions. Payload and
// Exception are kept raw so relayed messages pass through byte-faithful.
type Envelope struct {
	From      string          `json:"from,omitempty"`
	To        Destination     `json:"to,omitzero"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Exception json.RawMessage `json:"exception,omitempty"`
}

// HasPayload reports whether the envelope carries a non-null payload.
func (e *Envelope) HasPayload() bool {
	p := bytes.TrimSpace(e.Payload)
	return len(p) > 0 && !bytes.Equal(p, []byte("null"))
}

// DecodeEnvelope parses one wire frame into an Envelope.
//
// Precondition: data is one complete websocket text frame.
// Postcondition: Returns the decoded envelope, or errInvalidTo when the
// "to" field has the wrong shape, or a generic decode error for any other
// structural problem.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(bytes.TrimSpace(data), &env); err != nil {
		if errors.Is(err, errInvalidTo) {
			return nil, errInvalidTo
		}
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &env, nil
}

// EncodeEnvelope serializes an envelope into a single wire frame.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}
