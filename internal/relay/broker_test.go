package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCall_TimeoutWhenOffline(t *testing.T) {
	r := newTestRelay(t)

	start := time.Now()
	_, err := r.Call(context.Background(), "srv", Envelope{
		Payload: mustPayload(t, "ping", map[string]any{}),
	}, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrCallTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	// The synthetic session must not linger.
	assert.Empty(t, r.Registry().List("srv", RoleClient))
}

// echoServerConn replies to every forwarded request by injecting a reply
// envelope back through the relay, the way a real plugin would.
type echoServerConn struct {
	fakeConn
	relay   *Relay
	session *Session
	payload json.RawMessage
}

func (c *echoServerConn) WriteMessage(data []byte) error {
	if err := c.fakeConn.WriteMessage(data); err != nil {
		return err
	}
	var req Envelope
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	reply, err := json.Marshal(Envelope{To: To(req.From), Payload: c.payload})
	if err != nil {
		return err
	}
	c.relay.HandleMessage(c.session, reply)
	return nil
}

func TestCall_ResolvedByServerReply(t *testing.T) {
	r := newTestRelay(t)

	pong, err := json.Marshal(map[string]any{"action": "ping", "response": "pong"})
	require.NoError(t, err)

	conn := &echoServerConn{relay: r, payload: pong}
	conn.writable = true
	conn.session = r.Register("srv", RoleServer, conn, "")

	reply, err := r.Call(context.Background(), "srv", Envelope{
		To:      To(ServerIdentity),
		Payload: mustPayload(t, "ping", nil),
	}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, ServerIdentity, reply.From)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(reply.Payload, &resp))
	assert.Equal(t, "pong", resp["response"])

	assert.Empty(t, r.Registry().List("srv", RoleClient), "synthetic session removed after resolution")
}

func TestCall_LocalActionDestination(t *testing.T) {
	r := newTestRelay(t)

	// No live server session: the local processor still answers queries
	// addressed to the relay itself.
	reply, err := r.Call(context.Background(), "srv", Envelope{
		To:      To(LocalIdentity),
		Payload: mustPayload(t, "is_server_online", nil),
	}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, LocalIdentity, reply.From)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(reply.Payload, &resp))
	assert.Equal(t, false, resp["response"])
}

func TestCall_FirstResolutionWins(t *testing.T) {
	sink := newOneShotConn()
	require.NoError(t, sink.WriteMessage([]byte(`{"from":"server"}`)))

	// A deadline firing after the write must not flip the outcome.
	assert.False(t, sink.closeIfOpen(), "close after a write is a no-op")
	assert.False(t, sink.Writable())

	// And further writes are rejected without clobbering the result.
	assert.Error(t, sink.WriteMessage([]byte(`{"from":"late"}`)))
	assert.Equal(t, []byte(`{"from":"server"}`), <-sink.result)
}

func TestCall_ContextCancellation(t *testing.T) {
	r := newTestRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Call(ctx, "srv", Envelope{
		Payload: mustPayload(t, "ping", nil),
	}, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunPayload_UnwrapsReplyPayload(t *testing.T) {
	r := newTestRelay(t)

	meta, err := json.Marshal(map[string]any{"action": "get_server_metadata", "response": map[string]any{"motd": "hello"}})
	require.NoError(t, err)

	conn := &echoServerConn{relay: r, payload: meta}
	conn.writable = true
	conn.session = r.Register("srv", RoleServer, conn, "")

	raw, err := r.RunPayload(context.Background(), "srv", Payload{Action: ActionGetServerMetadata}, time.Second)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "get_server_metadata", resp["action"])
}

func TestCall_DefaultTimeoutApplied(t *testing.T) {
	logger := zap.NewNop()
	r := New(logger, NewAuditMirror(logger, nil), nil, WithCallTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := r.Call(context.Background(), "srv", Envelope{
		Payload: mustPayload(t, "ping", nil),
	}, 0)
	require.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
