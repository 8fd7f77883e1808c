package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/minehub-kr/rsm/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

var errConnClosed = errors.New("websocket connection closed")

// wsConn adapts a gorilla websocket connection to the relay transport
// interface. Gorilla connections support one concurrent writer, so every
// write goes through the mutex.
type wsConn struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       bool
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		c.closed = true
	}
	return err
}

func (c *wsConn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// markClosed flags the transport dead without sending a close frame, for
// when the peer already went away.
func (c *wsConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (a *API) wsDescriptor(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": 1,
		"endpoints": gin.H{
			"client": "/client",
			"server": "/server",
		},
	})
}

func (a *API) handleClientSocket(c *gin.Context) {
	a.serveRelaySocket(c, relay.RoleClient)
}

func (a *API) handleServerSocket(c *gin.Context) {
	a.serveRelaySocket(c, relay.RoleServer)
}

// serveRelaySocket upgrades the request, registers the session, and pumps
// inbound frames into the router until the peer disconnects.
func (a *API) serveRelaySocket(c *gin.Context, role relay.Role) {
	srv := boundServer(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			zap.String("server", srv.UID),
			zap.Error(err),
		)
		return
	}
	if a.cfg.Relay.MaxMessageSize > 0 {
		ws.SetReadLimit(a.cfg.Relay.MaxMessageSize)
	}

	conn := newWSConn(ws, a.cfg.Relay.WriteTimeout)
	sess := a.relay.Register(srv.UID, role, conn, c.ClientIP())

	defer func() {
		conn.markClosed()
		_ = ws.Close()
		a.relay.HandleClose(sess)
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		a.relay.HandleMessage(sess, data)
	}
}

// handleAuditSocket registers an observer with the audit mirror. The read
// loop only serves to answer pings and notice the disconnect; observers
// never send application frames.
func (a *API) handleAuditSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("audit websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newWSConn(ws, a.cfg.Relay.WriteTimeout)
	a.audit.Register(conn)
	a.logger.Info("audit observer connected", zap.String("remote", c.ClientIP()))

	defer func() {
		conn.markClosed()
		_ = ws.Close()
		a.audit.Housekeep()
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
