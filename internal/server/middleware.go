package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/access"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/device"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "fleettraq_claims"
	userContextKey   = "fleettraq_user"
	clientContextKey = "fleettraq_client"
)

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
		}
		if claims, ok := sessionClaims(c); ok {
			fields = append(fields, zap.String("account_id", claims.AccountID), zap.String("device_id", claims.DeviceID))
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("http request", fields...)
		case status >= http.StatusBadRequest:
			logger.Info("http request", fields...)
		default:
			logger.Debug("http request", fields...)
		}
	}
}

// authorizeRequest validates the session token and loads the account it belongs to.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: messageSignInRequired})
		return
	}
	user, err := h.identity.CurrentUser(c.Request.Context(), claims.AccountID)
	if err != nil {
		if errors.Is(err, identity.ErrAccountNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "account_not_found", Message: messageAccountGone})
			return
		}
		h.abortWithError(c, "authorize", err)
		return
	}
	c.Set(claimsContextKey, claims)
	c.Set(userContextKey, user)
	c.Next()
}

func (h *httpHandler) requirePermission(permission access.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: messageSignInRequired})
			return
		}
		if err := h.policy.Check(string(user.Role), permission); err != nil {
			h.logger.Info("permission denied",
				zap.String("account_id", user.ID),
				zap.String("role", string(user.Role)),
				zap.String("permission", string(permission)))
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "forbidden", Message: messageForbidden})
			return
		}
		c.Next()
	}
}

// acquireClient leases the device's hosted coordinators for the rest of the request.
func (h *httpHandler) acquireClient(c *gin.Context) {
	if _, ok := c.Get(clientContextKey); ok {
		c.Next()
		return
	}
	claims, ok := sessionClaims(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: messageSignInRequired})
		return
	}
	client, release, err := h.clients.Acquire(c.Request.Context(), claims.AccountID, device.ID(claims.DeviceID))
	if err != nil {
		h.abortWithError(c, "acquire_client", err)
		return
	}
	defer release()
	c.Set(clientContextKey, client)
	c.Next()
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func currentUser(c *gin.Context) (identity.User, bool) {
	value, ok := c.Get(userContextKey)
	if !ok {
		return identity.User{}, false
	}
	user, ok := value.(identity.User)
	return user, ok
}

func hostedClient(c *gin.Context) *clients.Client {
	value, _ := c.Get(clientContextKey)
	client, _ := value.(*clients.Client)
	return client
}
