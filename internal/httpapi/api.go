// Package httpapi exposes the management REST API and the websocket
// endpoints that feed the relay.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/minehub-kr/rsm/internal/config"
	"github.com/minehub-kr/rsm/internal/meiling"
	"github.com/minehub-kr/rsm/internal/relay"
	"github.com/minehub-kr/rsm/internal/storage/postgres"
)

// Version is reported by the root banner.
var Version = "dev"

// ServiceName is reported by the root banner.
const ServiceName = "minehub-rsm"

// Identity introspects access tokens against the OAuth2 provider.
type Identity interface {
	GetUser(ctx context.Context, accessToken string) (meiling.User, error)
	GetToken(ctx context.Context, accessToken string) (meiling.TokenInfo, error)
	PermCheck(ctx context.Context, accessToken string, permissions []string) (bool, error)
}

// ServerStore persists managed server records.
type ServerStore interface {
	Create(ctx context.Context, name, ownerSub string) (postgres.Server, error)
	GetByUID(ctx context.Context, uid string) (postgres.Server, error)
	ListAll(ctx context.Context) ([]postgres.Server, error)
	ListByOwner(ctx context.Context, ownerSub string) ([]postgres.Server, error)
	UpdateName(ctx context.Context, uid, name string) (postgres.Server, error)
	Delete(ctx context.Context, uid string) error
	IsOwner(ctx context.Context, uid, userSub string) (bool, error)
	AddOwner(ctx context.Context, uid, userSub string) error
}

// UserStore persists identity subjects.
type UserStore interface {
	Upsert(ctx context.Context, sub string) (postgres.User, error)
	Get(ctx context.Context, sub string) (postgres.User, error)
	ListAll(ctx context.Context) ([]postgres.User, error)
	SetAdmin(ctx context.Context, sub string, admin bool) error
}

// InvitationStore persists server ownership invitations.
type InvitationStore interface {
	Create(ctx context.Context, token, serverUID, createdBy string, expiresAt *time.Time) (postgres.Invitation, error)
	Get(ctx context.Context, token string) (postgres.Invitation, error)
	ListByCreator(ctx context.Context, createdBy string) ([]postgres.Invitation, error)
	ListAll(ctx context.Context) ([]postgres.Invitation, error)
	MarkUsed(ctx context.Context, token string) error
	Revoke(ctx context.Context, token string) error
	Delete(ctx context.Context, token string) error
}

// Stores bundles the persistence dependencies of the API.
type Stores struct {
	Servers     ServerStore
	Users       UserStore
	Invitations InvitationStore
}

// API is the HTTP surface of the relay service.
type API struct {
	cfg      config.Config
	logger   *zap.Logger
	relay    *relay.Relay
	audit    *relay.AuditMirror
	identity Identity
	stores   Stores
	metrics  http.Handler
}

// New assembles the API from its dependencies.
//
// Precondition: logger, rly, and audit must be non-nil. metricsHandler may be
// nil to disable the /metrics endpoint.
func New(cfg config.Config, logger *zap.Logger, rly *relay.Relay, audit *relay.AuditMirror, identity Identity, stores Stores, metricsHandler http.Handler) *API {
	return &API{
		cfg:      cfg,
		logger:   logger,
		relay:    rly,
		audit:    audit,
		identity: identity,
		stores:   stores,
		metrics:  metricsHandler,
	}
}

// Router builds the gin engine with all routes registered.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(a.requestLogger())
	if len(a.cfg.Server.TrustedProxies) > 0 {
		_ = r.SetTrustedProxies(a.cfg.Server.TrustedProxies)
	} else {
		_ = r.SetTrustedProxies(nil)
	}

	r.GET("/", a.handleRoot)
	if a.metrics != nil {
		r.GET("/metrics", gin.WrapH(a.metrics))
	}
	r.GET("/audit", a.requireAdmin, a.handleAuditSocket)

	v1 := r.Group("/v1")
	v1.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": 1})
	})

	admin := v1.Group("/admin", a.requireAdmin)
	admin.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"at": "admin"})
	})
	admin.GET("/users", a.adminListUsers)
	admin.GET("/users/:userId", a.adminGetUser)
	admin.PUT("/users/:userId", a.adminUpdateUser)
	admin.GET("/servers", a.adminListServers)
	admin.GET("/servers/:serverId", a.adminGetServer)
	admin.PUT("/servers/:serverId", a.adminUpdateServer)

	authed := v1.Group("", a.requireAuth)
	servers := authed.Group("/servers")
	servers.GET("", a.listServers)
	servers.POST("", a.createServer)

	invitations := servers.Group("/invitations")
	invitations.GET("", a.listInvitations)
	invitations.POST("", a.createInvitation)
	invitation := invitations.Group("/:token", a.loadInvitation)
	invitation.GET("", a.getInvitation)
	invitation.GET("/join", a.joinInvitation)
	invitation.GET("/revoke", a.revokeInvitation)
	invitation.DELETE("", a.deleteInvitation)

	server := servers.Group("/:uuid", a.loadOwnedServer)
	server.GET("", a.getServer)
	server.PUT("", a.updateServer)
	server.DELETE("", a.deleteServer)
	server.GET("/online", a.serverOnline)

	queries := server.Group("", a.requireServerReachable)
	queries.GET("/players", a.queryAction(relay.ActionGetPlayers))
	queries.GET("/info", a.queryAction(relay.ActionGetServerMetadata))
	queries.GET("/performance", a.queryAction(relay.ActionGetServerPerformance))
	queries.GET("/bukkit", a.queryAction(relay.ActionGetBukkitInfo))
	queries.GET("/ip", a.serverIP)

	ws := server.Group("/ws")
	ws.GET("", a.wsDescriptor)
	ws.GET("/client", a.handleClientSocket)
	ws.GET("/server", a.handleServerSocket)

	return r
}

func (a *API) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"hello": "world",
		"about": gin.H{
			"name":    ServiceName,
			"version": Version,
		},
	})
}

// requestLogger logs each request with method, path, status, and latency.
func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		a.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
