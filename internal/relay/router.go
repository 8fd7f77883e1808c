package relay

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/minehub-kr/rsm/internal/observability"
)

// conflictCloseCode is the websocket close code sent to a SERVER session
// evicted by a newer registration, in the private-use range.
const conflictCloseCode = 4409

// Relay owns the session registry and routes envelopes between sessions of
// one process. One relay instance serves every managed server; entries are
// multiplexed by managed-server UID.
type Relay struct {
	registry *Registry
	audit    *AuditMirror
	metrics  *observability.RelayMetrics
	logger   *zap.Logger

	callTimeout time.Duration
}

// Option configures a Relay.
type Option func(*Relay)

// WithCallTimeout overrides the broker's default correlated-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// New creates a relay.
//
// Precondition: logger and audit must be non-nil; metrics may be nil.
func New(logger *zap.Logger, audit *AuditMirror, metrics *observability.RelayMetrics, opts ...Option) *Relay {
	r := &Relay{
		registry:    NewRegistry(metrics),
		audit:       audit,
		metrics:     metrics,
		logger:      logger,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry exposes the relay's session registry for reachability queries
// and tests.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Register admits a connection as a session of the given role.
//
// For RoleServer, any pre-existing SERVER session for the managed server is
// evicted first: its transport is closed with a conflict indication before
// the new session is admitted, keeping at most one live SERVER session per
// managed server. A successful SERVER registration broadcasts server_join
// to the managed server's CLIENT sessions once the session is fully wired,
// so no message can be lost between admission and the join notice.
//
// The caller owns the connection's read loop and must dispatch its events
// to HandleMessage and HandleClose with the returned session.
func (r *Relay) Register(serverUID string, role Role, conn Conn, remoteAddr string) *Session {
	if role == RoleServer {
		for _, prev := range r.registry.EvictServers(serverUID) {
			r.logger.Info("evicting previous server session",
				zap.String("server", serverUID),
				zap.String("session", prev.ID),
			)
			prev.closeConn(conflictCloseCode, "conflict: new server session created")
		}
	}

	r.registry.Housekeep(serverUID, role)
	s := r.registry.Add(serverUID, role, conn, remoteAddr)

	r.logger.Info("session registered",
		zap.String("server", serverUID),
		zap.String("session", s.ID),
		zap.String("role", string(role)),
		zap.String("remote", remoteAddr),
	)

	if role == RoleServer {
		r.notifyPresence(serverUID, "server_join")
	}
	return s
}

// HandleMessage routes one inbound frame from a registered session.
func (r *Relay) HandleMessage(s *Session, data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		code := WireErrMalformedJSON
		if errors.Is(err, errInvalidTo) {
			code = WireErrInvalidTo
		}
		r.metrics.WireErrorInc(string(code))
		r.sendWireError(s, code, err.Error())
		return
	}

	if !env.HasPayload() {
		r.metrics.WireErrorInc(string(WireErrMissingPayload))
		r.sendWireError(s, WireErrMissingPayload, "envelope carries no payload")
		return
	}

	switch s.Role {
	case RoleClient:
		r.routeFromClient(s, env)
	case RoleServer:
		r.routeFromServer(s, env)
	}
}

// HandleClose runs housekeeping for a closed connection's role and, for
// SERVER sessions, broadcasts server_leave. Housekeeping runs first so a
// List call made from within the leave broadcast's own processing never
// observes the departing session as live.
func (r *Relay) HandleClose(s *Session) {
	r.registry.Housekeep(s.ServerUID, s.Role)
	r.logger.Info("session closed",
		zap.String("server", s.ServerUID),
		zap.String("session", s.ID),
		zap.String("role", string(s.Role)),
	)
	if s.Role == RoleServer {
		r.notifyPresence(s.ServerUID, "server_leave")
	}
}

// ServerOnline reports whether the managed server has at least one live
// SERVER session. HTTP-facing code uses it to short-circuit before issuing
// a correlated call.
func (r *Relay) ServerOnline(serverUID string) bool {
	return len(r.registry.List(serverUID, RoleServer)) > 0
}

// routeFromClient forwards a CLIENT envelope to the managed server's
// SERVER sessions, or diverts it to the local action processor when it is
// addressed to the relay itself.
func (r *Relay) routeFromClient(s *Session, env *Envelope) {
	if to, ok := env.To.Single(); ok && to == LocalIdentity {
		r.processLocal(s.ServerUID, RoleClient, s.ID, env.Payload)
		return
	}

	to := env.To
	if to.IsZero() {
		to = To(ServerIdentity)
	}
	fwd := &Envelope{From: s.ID, To: to, Payload: env.Payload}
	frame, err := EncodeEnvelope(fwd)
	if err != nil {
		r.logger.Error("encoding forward envelope", zap.Error(err))
		return
	}

	// Ordinarily exactly one server session; delivering to all is playing
	// safe against registration races.
	for _, target := range r.registry.List(s.ServerUID, RoleServer) {
		target.send(frame)
	}
	r.metrics.RoutedInc(AuditClassP2P)
	r.audit.Publish(s.ServerUID, AuditClassP2P, frame)
}

// routeFromServer resolves the destinations of a SERVER envelope against
// the managed server's CLIENT sessions and delivers a reply envelope to
// each. The local action processor runs additionally when the reserved
// identity appears among the destinations, or instead of forwarding when it
// is the sole destination.
func (r *Relay) routeFromServer(s *Session, env *Envelope) {
	var (
		targets  []*Session
		forLocal bool
		class    = AuditClassP2P
	)

	switch {
	case env.To.IsZero():
		targets = r.registry.List(s.ServerUID, RoleClient)
		class = AuditClassBroadcast
	default:
		if ids, ok := env.To.List(); ok {
			for _, id := range ids {
				if id == LocalIdentity {
					forLocal = true
					continue
				}
				if target, found := r.registry.FindByID(s.ServerUID, id, RoleClient); found {
					targets = append(targets, target)
				}
				// Unresolved ids are dropped; they do not fail the rest
				// of the delivery.
			}
		} else if id, ok := env.To.Single(); ok {
			if id == LocalIdentity {
				forLocal = true
			} else if target, found := r.registry.FindByID(s.ServerUID, id, RoleClient); found {
				targets = append(targets, target)
			}
		}
	}

	if forLocal {
		r.processLocal(s.ServerUID, RoleServer, s.ID, env.Payload)
	}

	if len(targets) == 0 {
		return
	}

	reply := &Envelope{
		From:      ServerIdentity,
		To:        env.To,
		Payload:   env.Payload,
		Error:     env.Error,
		Exception: env.Exception,
	}
	frame, err := EncodeEnvelope(reply)
	if err != nil {
		r.logger.Error("encoding reply envelope", zap.Error(err))
		return
	}

	for _, target := range targets {
		target.send(frame)
		if class == AuditClassP2P {
			r.metrics.RoutedInc(AuditClassP2P)
			r.audit.Publish(s.ServerUID, AuditClassP2P, frame)
		}
	}
	if class == AuditClassBroadcast {
		r.metrics.RoutedInc(AuditClassBroadcast)
		r.audit.Publish(s.ServerUID, AuditClassBroadcast, frame)
	}
}

// notifyPresence broadcasts a presence-change action to every CLIENT
// session of the managed server and mirrors it to the audit pool.
func (r *Relay) notifyPresence(serverUID, action string) {
	payload, err := json.Marshal(Payload{Action: action})
	if err != nil {
		return
	}
	env := &Envelope{From: LocalIdentity, Payload: payload}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		return
	}

	for _, target := range r.registry.List(serverUID, RoleClient) {
		target.send(frame)
	}
	r.audit.Publish(serverUID, AuditClassBroadcast, frame)
}
