package httpapi

import (
	"slices"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/minehub-kr/rsm/internal/meiling"
	"github.com/minehub-kr/rsm/internal/token"
)

// Context keys set by the auth middlewares.
const (
	ctxUser    = "rsm/user"
	ctxIsAdmin = "rsm/isAdmin"
)

// currentUser returns the authenticated subject, if any. Requests authorized
// by a static admin token carry no user.
func currentUser(c *gin.Context) (meiling.User, bool) {
	v, ok := c.Get(ctxUser)
	if !ok {
		return meiling.User{}, false
	}
	user, ok := v.(meiling.User)
	return user, ok
}

func isAdmin(c *gin.Context) bool {
	return c.GetBool(ctxIsAdmin)
}

// requireAuth authenticates the request either by a static admin token or by
// introspecting an OAuth2 access token. Provider-backed requests must carry
// every configured permission; their subject is upserted on each request.
func (a *API) requireAuth(c *gin.Context) {
	creds, ok := token.FromRequest(c.Request)
	if !ok {
		sendError(c, ErrTokenNotFound, "token not found")
		return
	}

	if slices.Contains(a.cfg.Admin.Tokens, creds.Token) {
		c.Set(ctxIsAdmin, true)
		c.Next()
		return
	}

	ctx := c.Request.Context()
	if _, err := a.identity.GetToken(ctx, creds.Token); err != nil {
		sendError(c, ErrInvalidToken, "token is invalid")
		return
	}

	allowed, err := a.identity.PermCheck(ctx, creds.Token, a.cfg.OAuth2.RequiredPermissions)
	if err != nil {
		sendError(c, ErrInvalidToken, "token is invalid")
		return
	}
	if !allowed {
		sendError(c, ErrInsufficientPermission, "token does not meet with minimum sufficient permission")
		return
	}

	user, err := a.identity.GetUser(ctx, creds.Token)
	if err != nil {
		sendError(c, ErrUserNotFound, "unable to load user information")
		return
	}

	record, err := a.stores.Users.Upsert(ctx, user.Sub)
	if err != nil {
		a.logger.Error("user upsert failed", zap.String("sub", user.Sub), zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}

	c.Set(ctxUser, user)
	c.Set(ctxIsAdmin, record.Admin)
	c.Next()
}

// requireAdmin authorizes administrative endpoints: a static admin token, or
// a provider token whose subject carries the admin flag.
func (a *API) requireAdmin(c *gin.Context) {
	if len(a.cfg.Admin.Tokens) == 0 {
		sendError(c, ErrNotImplemented)
		return
	}

	creds, ok := token.FromRequest(c.Request)
	if !ok {
		sendError(c, ErrTokenNotFound, "token not found")
		return
	}

	if slices.Contains(a.cfg.Admin.Tokens, creds.Token) {
		c.Set(ctxIsAdmin, true)
		c.Next()
		return
	}

	ctx := c.Request.Context()
	user, err := a.identity.GetUser(ctx, creds.Token)
	if err != nil {
		sendError(c, ErrInvalidToken, "token is invalid")
		return
	}

	record, err := a.stores.Users.Get(ctx, user.Sub)
	if err != nil || !record.Admin {
		sendError(c, ErrInvalidToken, "token is invalid")
		return
	}

	c.Set(ctxUser, user)
	c.Set(ctxIsAdmin, true)
	c.Next()
}
