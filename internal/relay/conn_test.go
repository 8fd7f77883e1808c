package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn is an in-memory Conn recording everything written to it.
type fakeConn struct {
	mu          sync.Mutex
	frames      [][]byte
	writable    bool
	closeCode   int
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{writable: true}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writable
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writable = false
	c.closeCode = code
	c.closeReason = reason
	return nil
}

// markDead simulates the transport dying without a clean close.
func (c *fakeConn) markDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writable = false
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// envelopes decodes every recorded frame.
func (c *fakeConn) envelopes(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.frames))
	for _, frame := range c.frames {
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

// lastEnvelope decodes the most recent frame.
func (c *fakeConn) lastEnvelope(t *testing.T) Envelope {
	t.Helper()
	envs := c.envelopes(t)
	require.NotEmpty(t, envs, "no frames written")
	return envs[len(envs)-1]
}

// newTestRelay builds a relay with a nop logger and a mirror whose drain
// loop is running for the duration of the test.
func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	logger := zap.NewNop()
	audit := NewAuditMirror(logger, nil)
	go func() { _ = audit.Start() }()
	t.Cleanup(audit.Stop)
	return New(logger, audit, nil)
}

// mustPayload marshals a payload for test envelopes.
func mustPayload(t *testing.T, action string, data any) json.RawMessage {
	t.Helper()
	m := map[string]any{"action": action}
	if data != nil {
		m["data"] = data
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}
