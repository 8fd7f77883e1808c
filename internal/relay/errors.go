package relay

import "encoding/json"

// WireError identifies a protocol-level fault reported back over the
// originating connection. Wire errors are terminal for the offending
// message only, never for the connection.
type WireError string

// Wire error codes, matching the v1 websocket protocol.
const (
	WireErrMalformedJSON  WireError = "malformed_json"
	WireErrMissingPayload WireError = "missing_payload"
	WireErrInvalidTo      WireError = "invalid_to"
	WireErrInvalidPayload WireError = "invalid_payload"
)

// errorFrame is the wire shape of a protocol error report.
type errorFrame struct {
	From    string    `json:"from"`
	Error   WireError `json:"error"`
	Message string    `json:"message,omitempty"`
}

// sendWireError reports a protocol fault to the session that caused it.
// Delivery is best-effort; a session that is no longer writable is skipped.
func (r *Relay) sendWireError(s *Session, code WireError, message string) {
	frame, err := json.Marshal(errorFrame{
		From:    LocalIdentity,
		Error:   code,
		Message: message,
	})
	if err != nil {
		return
	}
	s.send(frame)
}
