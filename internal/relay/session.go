package relay

import "github.com/google/uuid"

// Role distinguishes the two session kinds attached to a managed server.
type Role string

// Session roles. RoleServer identifies the authoritative game-server
// connection; RoleClient identifies an interactive consumer, which may be a
// real user agent or a synthetic correlation session.
const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Conn is the minimal transport surface the relay needs from a connection.
// Real websocket connections and the broker's synthetic one-shot sink both
// implement it; delivery code is written once against this interface.
type Conn interface {
	// WriteMessage sends one complete frame.
	WriteMessage(data []byte) error
	// Writable reports whether the connection can still accept frames.
	// Sessions whose transport is not writable are removed by housekeeping.
	Writable() bool
	// Close shuts the transport down with a close code and reason.
	Close(code int, reason string) error
}

// Session is one live connection tagged with a role and a generated
// correlation id. A session never changes role or managed-server
// association after creation.
type Session struct {
	// ID is the unique correlation identifier for this session.
	ID string
	// Role is the session kind: RoleServer or RoleClient.
	Role Role
	// ServerUID is the managed-server identity the session belongs to.
	ServerUID string
	// RemoteAddr is the peer address recorded at registration time.
	RemoteAddr string

	conn Conn
}

// newSession constructs a session with a freshly generated id.
func newSession(serverUID string, role Role, conn Conn, remoteAddr string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Role:       role,
		ServerUID:  serverUID,
		RemoteAddr: remoteAddr,
		conn:       conn,
	}
}

// send delivers one frame if the transport is still writable. Write
// failures are swallowed: a broken transport is cleaned up by the next
// housekeeping pass, not by the sender.
func (s *Session) send(data []byte) {
	if !s.conn.Writable() {
		return
	}
	_ = s.conn.WriteMessage(data)
}

// writable reports whether the session's transport can still accept frames.
func (s *Session) writable() bool {
	return s.conn.Writable()
}

// closeConn shuts the session's transport down.
func (s *Session) closeConn(code int, reason string) {
	_ = s.conn.Close(code, reason)
}
