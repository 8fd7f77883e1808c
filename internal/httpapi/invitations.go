package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/minehub-kr/rsm/internal/storage/postgres"
	"github.com/minehub-kr/rsm/internal/token"
)

const (
	ctxInvitation = "rsm/invitation"
	ctxIsCreator  = "rsm/isCreator"
)

// defaultInvitationTTL applies when a create request has no usable expiry.
const defaultInvitationTTL = 30 * time.Minute

// invitationInfo hides the creator subject and inlines the server details.
type invitationInfo struct {
	Token     string     `json:"token"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt"`
	Server    serverInfo `json:"server"`
	IsCreator *bool      `json:"isCreator,omitempty"`
}

func (a *API) invitationInfo(c *gin.Context, inv postgres.Invitation) (invitationInfo, error) {
	srv, err := a.stores.Servers.GetByUID(c.Request.Context(), inv.ServerUID)
	if err != nil {
		return invitationInfo{}, err
	}
	return invitationInfo{
		Token:     inv.Token,
		CreatedAt: inv.CreatedAt,
		ExpiresAt: inv.ExpiresAt,
		UsedAt:    inv.UsedAt,
		Server:    a.serverInfo(srv),
	}, nil
}

func (a *API) listInvitations(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		invs []postgres.Invitation
		err  error
	)
	if isAdmin(c) {
		invs, err = a.stores.Invitations.ListAll(ctx)
	} else {
		user, ok := currentUser(c)
		if !ok {
			sendError(c, ErrInvalidRequest)
			return
		}
		invs, err = a.stores.Invitations.ListByCreator(ctx, user.Sub)
	}
	if err != nil {
		a.logger.Error("listing invitations failed", zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}

	infos := make([]invitationInfo, 0, len(invs))
	for _, inv := range invs {
		info, err := a.invitationInfo(c, inv)
		if err != nil {
			// The server may have been deleted out from under the
			// invitation; skip the orphan.
			continue
		}
		infos = append(infos, info)
	}
	c.JSON(http.StatusOK, infos)
}

func (a *API) createInvitation(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		sendError(c, ErrInvalidRequest)
		return
	}

	var body struct {
		ServerID  string `json:"serverId"`
		ExpiresAt string `json:"expiresAt"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ServerID == "" {
		sendError(c, ErrInvalidRequest, "missing serverId")
		return
	}

	ctx := c.Request.Context()
	if _, err := a.stores.Servers.GetByUID(ctx, body.ServerID); err != nil {
		sendError(c, ErrNotFound)
		return
	}
	if !isAdmin(c) {
		owner, err := a.stores.Servers.IsOwner(ctx, body.ServerID, user.Sub)
		if err != nil || !owner {
			sendError(c, ErrNotFound)
			return
		}
	}

	expiresAt := time.Now().Add(defaultInvitationTTL)
	if parsed, err := time.Parse(time.RFC3339, body.ExpiresAt); err == nil {
		expiresAt = parsed
	}

	tok, err := token.Generate(token.DefaultLength)
	if err != nil {
		sendError(c, ErrInternalServerError)
		return
	}

	if _, err := a.stores.Invitations.Create(ctx, tok, body.ServerID, user.Sub, &expiresAt); err != nil {
		a.logger.Error("creating invitation failed", zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": tok})
}

// loadInvitation resolves the :token parameter and enforces the expiry and
// single-use rules. The creator and admins bypass both so they can inspect
// or clean up stale invitations.
func (a *API) loadInvitation(c *gin.Context) {
	inv, err := a.stores.Invitations.Get(c.Request.Context(), c.Param("token"))
	if err != nil {
		if errors.Is(err, postgres.ErrInvitationNotFound) {
			sendError(c, ErrNotFound)
			return
		}
		sendError(c, ErrInternalServerError)
		return
	}

	isCreator := isAdmin(c)
	if user, ok := currentUser(c); ok && user.Sub == inv.CreatedBy {
		isCreator = true
	}

	if !isCreator {
		if inv.Expired(time.Now()) {
			sendError(c, ErrExpiredInvitation)
			return
		}
		if inv.Used() {
			sendError(c, ErrUsedInvitation)
			return
		}
	}

	c.Set(ctxInvitation, inv)
	c.Set(ctxIsCreator, isCreator)
	c.Next()
}

func boundInvitation(c *gin.Context) (postgres.Invitation, bool) {
	return c.MustGet(ctxInvitation).(postgres.Invitation), c.GetBool(ctxIsCreator)
}

func (a *API) getInvitation(c *gin.Context) {
	inv, isCreator := boundInvitation(c)

	info, err := a.invitationInfo(c, inv)
	if err != nil {
		sendError(c, ErrInternalServerError)
		return
	}
	info.IsCreator = &isCreator
	c.JSON(http.StatusOK, info)
}

func (a *API) joinInvitation(c *gin.Context) {
	inv, _ := boundInvitation(c)

	user, ok := currentUser(c)
	if !ok {
		sendError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	if err := a.stores.Servers.AddOwner(ctx, inv.ServerUID, user.Sub); err != nil {
		a.logger.Error("joining server failed", zap.String("uid", inv.ServerUID), zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}
	if err := a.stores.Invitations.MarkUsed(ctx, inv.Token); err != nil && !errors.Is(err, postgres.ErrInvitationUsed) {
		a.logger.Error("marking invitation used failed", zap.Error(err))
		sendError(c, ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) revokeInvitation(c *gin.Context) {
	inv, isCreator := boundInvitation(c)
	if !isCreator {
		sendError(c, ErrInsufficientPermission)
		return
	}

	if err := a.stores.Invitations.Revoke(c.Request.Context(), inv.Token); err != nil {
		sendError(c, ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) deleteInvitation(c *gin.Context) {
	inv, isCreator := boundInvitation(c)
	if !isCreator {
		sendError(c, ErrInsufficientPermission)
		return
	}

	if err := a.stores.Invitations.Delete(c.Request.Context(), inv.Token); err != nil {
		sendError(c, ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
