package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/device"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type signUpPayload struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type signInPayload struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type googleSignInPayload struct {
	IDToken string `json:"id_token" binding:"required"`
}

type changePasswordPayload struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password" binding:"required"`
}

type authResponsePayload struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	TokenType   string        `json:"token_type"`
	DeviceID    string        `json:"device_id"`
	User        identity.User `json:"user"`
}

func (h *httpHandler) handleSignUp(c *gin.Context) {
	deviceID, ok := h.requestDevice(c)
	if !ok {
		return
	}
	var request signUpPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortInvalidRequest(c)
		return
	}
	user, err := h.identity.SignUp(c.Request.Context(), identity.SignUpRequest{
		Email:       request.Email,
		Password:    request.Password,
		DisplayName: request.DisplayName,
		Role:        request.Role,
	})
	if err != nil {
		h.abortWithError(c, "sign_up", err)
		return
	}
	h.respondWithSession(c, http.StatusCreated, user, deviceID)
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	deviceID, ok := h.requestDevice(c)
	if !ok {
		return
	}
	var request signInPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortInvalidRequest(c)
		return
	}
	user, err := h.identity.SignIn(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.abortWithError(c, "sign_in", err)
		return
	}
	h.respondWithSession(c, http.StatusOK, user, deviceID)
}

func (h *httpHandler) handleGoogleSignIn(c *gin.Context) {
	deviceID, ok := h.requestDevice(c)
	if !ok {
		return
	}
	var request googleSignInPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		abortInvalidRequest(c)
		return
	}
	user, err := h.identity.SignInWithGoogleToken(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google sign-in failed", zap.Error(err))
		h.abortWithError(c, "google_sign_in", err)
		return
	}
	h.respondWithSession(c, http.StatusOK, user, deviceID)
}

func (h *httpHandler) handleCurrentUser(c *gin.Context) {
	user, _ := currentUser(c)
	claims, _ := sessionClaims(c)
	c.JSON(http.StatusOK, gin.H{"user": user, "device_id": claims.DeviceID})
}

func (h *httpHandler) handleChangePassword(c *gin.Context) {
	user, _ := currentUser(c)
	var request changePasswordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortInvalidRequest(c)
		return
	}
	if err := h.identity.ChangePassword(c.Request.Context(), user.ID, request.CurrentPassword, request.NewPassword); err != nil {
		h.abortWithError(c, "change_password", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// requestDevice reads the device identity the client sends with every sign-in.
func (h *httpHandler) requestDevice(c *gin.Context) (device.ID, bool) {
	deviceID, err := device.Parse(c.GetHeader(device.Header))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "invalid_device", Message: messageDeviceRequired})
		return "", false
	}
	return deviceID, true
}

func (h *httpHandler) respondWithSession(c *gin.Context, status int, user identity.User, deviceID device.ID) {
	token, expiresIn, err := h.tokens.Issue(c.Request.Context(), auth.Principal{
		AccountID:   user.ID,
		DeviceID:    deviceID.String(),
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        string(user.Role),
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "token_issue_failed", Message: messageUnexpected})
		return
	}
	if h.cookieName != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(h.cookieName, token, int(expiresIn), "/", "", c.Request.TLS != nil, true)
	}
	c.JSON(status, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		DeviceID:    deviceID.String(),
		User:        user,
	})
}
