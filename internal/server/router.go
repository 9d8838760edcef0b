package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/access"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/device"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 25 * time.Second

var (
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingTokenIssuer     = errors.New("token issuer dependency required")
	errMissingSessions        = errors.New("session validator dependency required")
	errMissingClientHost      = errors.New("client host dependency required")
)

// IdentityService is the account authority behind the auth and profile endpoints.
type IdentityService interface {
	SignUp(ctx context.Context, request identity.SignUpRequest) (identity.User, error)
	SignIn(ctx context.Context, email, password string) (identity.User, error)
	SignInWithGoogleToken(ctx context.Context, rawToken string) (identity.User, error)
	CurrentUser(ctx context.Context, accountID string) (identity.User, error)
	ChangePassword(ctx context.Context, accountID, currentPassword, nextPassword string) error
}

type TokenIssuer interface {
	Issue(ctx context.Context, principal auth.Principal) (string, int64, error)
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ClientHost hands out the coordinators of a device.
type ClientHost interface {
	Acquire(ctx context.Context, accountID string, deviceID device.ID) (*clients.Client, func(), error)
}

type Dependencies struct {
	Identity          IdentityService
	Tokens            TokenIssuer
	Sessions          SessionValidator
	Clients           ClientHost
	Policy            *access.Policy
	CookieName        string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Identity == nil {
		return nil, errMissingIdentityService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Clients == nil {
		return nil, errMissingClientHost
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := deps.Policy
	if policy == nil {
		policy = access.DefaultPolicy()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		identity:   deps.Identity,
		tokens:     deps.Tokens,
		sessions:   deps.Sessions,
		clients:    deps.Clients,
		policy:     policy,
		cookieName: deps.CookieName,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	public := router.Group("/auth")
	public.POST("/signup", handler.handleSignUp)
	public.POST("/signin", handler.handleSignIn)
	public.POST("/google", handler.handleGoogleSignIn)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	profile := protected.Group("/me")
	profile.GET("", handler.handleCurrentUser)
	profile.PUT("/password", handler.requirePermission(access.PermissionAccountManage), handler.handleChangePassword)

	trackingRead := protected.Group("/tracking", handler.requirePermission(access.PermissionTrackingRead), handler.acquireClient)
	trackingRead.GET("/view", handler.handleTrackingView)
	trackingRead.GET("/stream", handler.handleTrackingStream)
	trackingRead.PUT("/selection", handler.handleSelectVehicle)
	trackingRead.PUT("/mode", handler.handleSetMode)

	trackingWrite := protected.Group("/tracking", handler.requirePermission(access.PermissionTrackingWrite), handler.acquireClient)
	trackingWrite.POST("/start", handler.handleStartTracking)
	trackingWrite.POST("/stop", handler.handleStopTracking)
	trackingWrite.DELETE("/records/:id", handler.handleRemoveRecord)
	trackingWrite.POST("/positions", handler.handlePushPosition)

	sessions := protected.Group("/sessions", handler.acquireClient)
	sessions.POST("/register", handler.handleRegisterSession)

	deletion := protected.Group("/account/deletion", handler.requirePermission(access.PermissionAccountManage), handler.acquireClient)
	deletion.GET("", handler.handleDeletionState)
	deletion.GET("/stream", handler.handleDeletionStream)
	deletion.POST("", handler.handleInitiateDeletion)
	deletion.POST("/approve", handler.handleApproveDeletion)
	deletion.POST("/execute", handler.handleExecuteDeletion)
	deletion.POST("/reauthenticate", handler.handleReauthenticate)

	return router, nil
}

type httpHandler struct {
	identity   IdentityService
	tokens     TokenIssuer
	sessions   SessionValidator
	clients    ClientHost
	policy     *access.Policy
	cookieName string
	heartbeat  time.Duration
	logger     *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", device.Header},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}
