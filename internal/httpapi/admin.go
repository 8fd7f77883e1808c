package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/minehub-kr/rsm/internal/storage/postgres"
)

// Admin endpoints expose the raw records rather than the sanitized public
// shapes.

type adminUser struct {
	Sub            string    `json:"sub"`
	LastAuthorized time.Time `json:"lastAuthorized"`
	Admin          bool      `json:"admin"`
}

type adminServer struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toAdminUser(u postgres.User) adminUser {
	return adminUser{Sub: u.Sub, LastAuthorized: u.LastAuthorized, Admin: u.Admin}
}

func toAdminServer(s postgres.Server) adminServer {
	return adminServer{ID: s.ID, UID: s.UID, Name: s.Name, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

func (a *API) adminListUsers(c *gin.Context) {
	users, err := a.stores.Users.ListAll(c.Request.Context())
	if err != nil {
		a.logger.Error("listing users failed", zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}

	out := make([]adminUser, 0, len(users))
	for _, u := range users {
		out = append(out, toAdminUser(u))
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) adminGetUser(c *gin.Context) {
	u, err := a.stores.Users.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, postgres.ErrUserNotFound) {
			sendError(c, ErrNotFound)
			return
		}
		sendError(c, ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, toAdminUser(u))
}

func (a *API) adminUpdateUser(c *gin.Context) {
	ctx := c.Request.Context()
	sub := c.Param("userId")

	if _, err := a.stores.Users.Get(ctx, sub); err != nil {
		sendError(c, ErrNotFound)
		return
	}

	var body struct {
		Admin *bool `json:"admin"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Admin == nil {
		sendError(c, ErrInvalidRequest)
		return
	}

	if err := a.stores.Users.SetAdmin(ctx, sub, *body.Admin); err != nil {
		sendError(c, ErrInternalServerError)
		return
	}

	u, err := a.stores.Users.Get(ctx, sub)
	if err != nil {
		sendError(c, ErrInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, toAdminUser(u))
}

func (a *API) adminListServers(c *gin.Context) {
	servers, err := a.stores.Servers.ListAll(c.Request.Context())
	if err != nil {
		a.logger.Error("listing servers failed", zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}

	out := make([]adminServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, toAdminServer(s))
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) adminGetServer(c *gin.Context) {
	s, err := a.stores.Servers.GetByUID(c.Request.Context(), c.Param("serverId"))
	if err != nil {
		if errors.Is(err, postgres.ErrServerNotFound) {
			sendError(c, ErrNotFound)
			return
		}
		sendError(c, ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, toAdminServer(s))
}

func (a *API) adminUpdateServer(c *gin.Context) {
	ctx := c.Request.Context()
	uid := c.Param("serverId")

	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		sendError(c, ErrInvalidRequest)
		return
	}

	s, err := a.stores.Servers.UpdateName(ctx, uid, body.Name)
	if err != nil {
		if errors.Is(err, postgres.ErrServerNotFound) {
			sendError(c, ErrNotFound)
			return
		}
		if errors.Is(err, postgres.ErrServerExists) {
			sendError(c, ErrDomainExists)
			return
		}
		sendError(c, ErrInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, toAdminServer(s))
}
