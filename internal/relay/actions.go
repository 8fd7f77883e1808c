package relay

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Built-in actions answered locally by the relay instead of being
// forwarded.
const (
	ActionPing           = "ping"
	ActionGetMyID        = "get_my_id"
	ActionIsServerOnline = "is_server_online"
	ActionGetServerIP    = "get_server_ip"
)

// Client-protocol action names understood by the managed server's plugin.
// The relay never interprets these; they are exported for the HTTP query
// endpoints that issue correlated calls.
const (
	ActionRunCommand           = "run_command"
	ActionRunShellCommand      = "run_shell_command"
	ActionGetServerMetadata    = "get_server_metadata"
	ActionGetServerPerformance = "get_server_performance"
	ActionGetPlayers           = "get_players"
	ActionGetPluginVersion     = "get_plugin_version"
	ActionGetBukkitVersion     = "get_bukkit_version"
	ActionGetBukkitInfo        = "get_bukkit_info"
)

// processLocal answers a built-in action addressed to the relay itself and
// sends the response back to the originating session.
//
// The response is delivered via FindByID against the originating role; if
// the originator has been removed by housekeeping in the meantime, the
// response is silently dropped. Unknown actions yield an empty response
// payload rather than an error, matching the v1 protocol.
func (r *Relay) processLocal(serverUID string, role Role, from string, raw json.RawMessage) {
	origin, ok := r.registry.FindByID(serverUID, from, role)
	if !ok {
		return
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil || p.Action == "" {
		r.metrics.WireErrorInc(string(WireErrInvalidPayload))
		r.sendWireError(origin, WireErrInvalidPayload, "payload has no action")
		return
	}

	response := map[string]any{}
	switch p.Action {
	case ActionPing:
		response["action"] = p.Action
		response["response"] = "pong"
	case ActionGetMyID:
		response["action"] = p.Action
		response["response"] = origin.ID
	case ActionIsServerOnline:
		response["action"] = p.Action
		response["response"] = r.ServerOnline(serverUID)
	case ActionGetServerIP:
		// Precondition failure leaves the payload empty: no response
		// field, no error.
		if servers := r.registry.List(serverUID, RoleServer); len(servers) > 0 {
			response["action"] = p.Action
			response["response"] = servers[0].RemoteAddr
		}
	default:
		r.logger.Debug("unknown local action",
			zap.String("server", serverUID),
			zap.String("action", p.Action),
		)
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return
	}
	env := &Envelope{
		From:    LocalIdentity,
		To:      To(origin.ID),
		Payload: payload,
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		return
	}
	origin.send(frame)
}
