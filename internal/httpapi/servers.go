package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/minehub-kr/rsm/internal/relay"
	"github.com/minehub-kr/rsm/internal/storage/postgres"
)

const ctxServer = "rsm/server"

// serverInfo is the sanitized server representation exposed over the API.
type serverInfo struct {
	UID       string    `json:"uid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Online    bool      `json:"online"`
}

func (a *API) serverInfo(s postgres.Server) serverInfo {
	return serverInfo{
		UID:       s.UID,
		Name:      s.Name,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Online:    a.relay.ServerOnline(s.UID),
	}
}

func (a *API) listServers(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		servers []postgres.Server
		err     error
	)
	if user, ok := currentUser(c); ok {
		servers, err = a.stores.Servers.ListByOwner(ctx, user.Sub)
	} else {
		// Static admin tokens carry no subject and see everything.
		servers, err = a.stores.Servers.ListAll(ctx)
	}
	if err != nil {
		a.logger.Error("listing servers failed", zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}

	infos := make([]serverInfo, 0, len(servers))
	for _, s := range servers {
		infos = append(infos, a.serverInfo(s))
	}
	c.JSON(http.StatusOK, infos)
}

func (a *API) createServer(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		sendError(c, ErrInvalidRequest)
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		sendError(c, ErrInvalidRequest)
		return
	}

	srv, err := a.stores.Servers.Create(c.Request.Context(), body.Name, user.Sub)
	if err != nil {
		if errors.Is(err, postgres.ErrServerExists) {
			sendError(c, ErrDomainExists)
			return
		}
		a.logger.Error("creating server failed", zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, a.serverInfo(srv))
}

// loadOwnedServer resolves the :uuid parameter and enforces ownership.
// Admin requests skip the ownership check. Unknown and foreign servers are
// both reported as not_found.
func (a *API) loadOwnedServer(c *gin.Context) {
	ctx := c.Request.Context()
	uid := c.Param("uuid")

	srv, err := a.stores.Servers.GetByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, postgres.ErrServerNotFound) {
			sendError(c, ErrNotFound)
			return
		}
		a.logger.Error("loading server failed", zap.String("uid", uid), zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}

	if !isAdmin(c) {
		user, ok := currentUser(c)
		if !ok {
			sendError(c, ErrNotFound)
			return
		}
		owner, err := a.stores.Servers.IsOwner(ctx, uid, user.Sub)
		if err != nil {
			a.logger.Error("ownership check failed", zap.String("uid", uid), zap.Error(err))
			sendError(c, ErrInternalServerError)
			return
		}
		if !owner {
			sendError(c, ErrNotFound)
			return
		}
	}

	c.Set(ctxServer, srv)
	c.Next()
}

func boundServer(c *gin.Context) postgres.Server {
	return c.MustGet(ctxServer).(postgres.Server)
}

func (a *API) getServer(c *gin.Context) {
	c.JSON(http.StatusOK, a.serverInfo(boundServer(c)))
}

func (a *API) updateServer(c *gin.Context) {
	srv := boundServer(c)

	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		sendError(c, ErrInvalidRequest)
		return
	}

	updated, err := a.stores.Servers.UpdateName(c.Request.Context(), srv.UID, body.Name)
	if err != nil {
		if errors.Is(err, postgres.ErrServerExists) {
			sendError(c, ErrDomainExists)
			return
		}
		a.logger.Error("updating server failed", zap.String("uid", srv.UID), zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, a.serverInfo(updated))
}

func (a *API) deleteServer(c *gin.Context) {
	srv := boundServer(c)

	if a.relay.ServerOnline(srv.UID) {
		sendError(c, ErrInvalidRequest, "server is still on")
		return
	}

	if err := a.stores.Servers.Delete(c.Request.Context(), srv.UID); err != nil {
		a.logger.Error("deleting server failed", zap.String("uid", srv.UID), zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) serverOnline(c *gin.Context) {
	srv := boundServer(c)

	payload, err := json.Marshal(relay.Payload{Action: relay.ActionIsServerOnline})
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

	var resp struct {
		Response bool `json:"response"`
	}
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		sendError(c, ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"online": resp.Response})
}
