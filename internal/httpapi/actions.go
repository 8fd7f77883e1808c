package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/minehub-kr/rsm/internal/relay"
)

// requireServerReachable gates query endpoints on a live SERVER session.
func (a *API) requireServerReachable(c *gin.Context) {
	srv := boundServer(c)
	if !a.relay.ServerOnline(srv.UID) {
		sendError(c, ErrServerIsOffline)
		return
	}
	c.Next()
}

// javaFaulted reports whether a reply payload carries a java_exception.
// Such replies are relayed to the caller with a 500 status but an otherwise
// untouched body.
func javaFaulted(raw json.RawMessage) bool {
	var probe struct {
		Error     string          `json:"error"`
		Exception json.RawMessage `json:"exception"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	exc := bytes.TrimSpace(probe.Exception)
	return probe.Error == "java_exception" && len(exc) > 0 && !bytes.Equal(exc, []byte("null"))
}

// queryAction builds a handler that runs the given client-protocol action
// against the managed server and relays the reply payload verbatim.
func (a *API) queryAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		srv := boundServer(c)

		raw, err := a.relay.RunPayload(c.Request.Context(), srv.UID, relay.Payload{
			Action: action,
			Data:   json.RawMessage(`{}`),
		}, a.cfg.Relay.CallTimeout)
		if err != nil {
			sendError(c, ErrRequestTimedOut, err.Error())
			return
		}

		status := http.StatusOK
		if javaFaulted(raw) {
			status = http.StatusInternalServerError
		}
		c.Data(status, "application/json", raw)
	}
}

// serverIP asks the relay itself for the managed server's remote address.
func (a *API) serverIP(c *gin.Context) {
	srv := boundServer(c)

	payload, err := json.Marshal(relay.Payload{Action: relay.ActionGetServerIP})
	if err != nil {
		sendError(c, ErrInternalServerError)
		return
	}

	reply, err := a.relay.Call(c.Request.Context(), srv.UID, relay.Envelope{
		To:      relay.To(relay.LocalIdentity),
		Payload: payload,
	}, a.cfg.Relay.CallTimeout)
	if err != nil {
		sendError(c, ErrRequestTimedOut, err.Error())
		return
	}

	status := http.StatusOK
	if javaFaulted(reply.Payload) {
		status = http.StatusInternalServerError
	}
	c.Data(status, "application/json", reply.Payload)
}
