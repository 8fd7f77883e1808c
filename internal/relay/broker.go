package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCallTimeout bounds a correlated call when the caller supplies no
// explicit timeout.
const DefaultCallTimeout = 5 * time.Second

// ErrCallTimeout is returned when a correlated call's deadline expires
// before any reply reaches the synthetic session. A managed server with no
// live SERVER session manifests as this error; callers that need a
// distinct offline signal must check ServerOnline beforehand.
var ErrCallTimeout = errors.New("relay: correlated call timed out")

// oneShotConn is the synthetic transport backing a correlation session.
// The first write captures the reply and closes the transport, so the
// reply path and the deadline path are mutually exclusive by construction:
// whichever flips closed first wins, the other becomes a no-op.
type oneShotConn struct {
	mu     sync.Mutex
	closed bool
	result chan []byte
}

func newOneShotConn() *oneShotConn {
	return &oneShotConn{result: make(chan []byte, 1)}
}

// WriteMessage captures the reply exactly once. Subsequent writes are
// no-ops reported as an error to the (indifferent) sender.
func (c *oneShotConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("relay: synthetic session already resolved")
	}
	c.closed = true
	c.result <- data
	return nil
}

// Writable flips to false on first write or close, so housekeeping removes
// the synthetic session once the call is settled.
func (c *oneShotConn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close marks the transport closed without capturing a reply.
func (c *oneShotConn) Close(int, string) error {
	c.closeIfOpen()
	return nil
}

// closeIfOpen closes the transport and reports whether this call did the
// closing. A false return means a reply was already captured.
func (c *oneShotConn) closeIfOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Call issues one correlated request into the relay and awaits exactly one
// matching reply or a timeout.
//
// A synthetic CLIENT session backed by a one-shot sink is registered for
// the managed server; it participates in List and FindByID exactly like a
// real connection, so anything replying to its id resolves the call. The
// packet's From field is overwritten with the synthetic session id. The
// request is delivered the way a CLIENT outbound message would be:
// forwarded to SERVER sessions when the destination is absent or "server",
// and handed to the local action processor when it is "mcsv".
//
// Postcondition: Exactly one outcome is reported — the decoded reply
// envelope, ErrCallTimeout, or ctx's error — and the synthetic session is
// no longer live.
func (r *Relay) Call(ctx context.Context, serverUID string, packet Envelope, timeout time.Duration) (Envelope, error) {
	if timeout <= 0 {
		timeout = r.callTimeout
	}

	sink := newOneShotConn()
	sess := r.registry.Add(serverUID, RoleClient, sink, "127.0.0.1")
	packet.From = sess.ID

	defer r.registry.Housekeep(serverUID, RoleClient)

	single, isSingle := packet.To.Single()

	if packet.To.IsZero() || (isSingle && single == ServerIdentity) {
		frame, err := EncodeEnvelope(&packet)
		if err != nil {
			sink.closeIfOpen()
			return Envelope{}, fmt.Errorf("encoding request: %w", err)
		}
		for _, target := range r.registry.List(serverUID, RoleServer) {
			target.send(frame)
		}
	}

	// Local processing requires an explicit broker destination. An absent
	// destination forwards only, so a request into an offline relay times
	// out instead of being answered locally by accident.
	if isSingle && single == LocalIdentity {
		if packet.HasPayload() {
			r.processLocal(serverUID, RoleClient, sess.ID, packet.Payload)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-sink.result:
		return r.resolveCall(sess, data)
	case <-timer.C:
		if sink.closeIfOpen() {
			r.metrics.BrokerCallInc("timeout")
			r.logger.Debug("correlated call timed out",
				zap.String("server", serverUID),
				zap.String("session", sess.ID),
				zap.Duration("timeout", timeout),
			)
			return Envelope{}, ErrCallTimeout
		}
		// A reply won the race with the deadline; first resolution wins.
		return r.resolveCall(sess, <-sink.result)
	case <-ctx.Done():
		if sink.closeIfOpen() {
			r.metrics.BrokerCallInc("cancelled")
			return Envelope{}, ctx.Err()
		}
		return r.resolveCall(sess, <-sink.result)
	}
}

// resolveCall decodes the captured reply frame.
func (r *Relay) resolveCall(sess *Session, data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.metrics.BrokerCallInc("malformed")
		return Envelope{}, fmt.Errorf("decoding reply to %s: %w", sess.ID, err)
	}
	r.metrics.BrokerCallInc("resolved")
	return env, nil
}

// RunPayload wraps a payload in a server-addressed packet, issues the
// correlated call, and unwraps the reply payload. This is the primary
// request/response entry point for the HTTP query endpoints.
func (r *Relay) RunPayload(ctx context.Context, serverUID string, payload Payload, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	reply, err := r.Call(ctx, serverUID, Envelope{
		To:      To(ServerIdentity),
		Payload: raw,
	}, timeout)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}
