package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/device"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/geo"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeReauthRequired = "REAUTH_REQUIRED"

	messageSignInRequired  = "Please sign in to continue."
	messageAccountGone     = "This account no longer exists."
	messageForbidden       = "Your role does not allow this action."
	messageInvalidRequest  = "The request could not be understood."
	messageUnexpected      = "Something went wrong. Please try again."
	messageEmailExists     = "An account with this email already exists."
	messageInvalidEmail    = "Please enter a valid email address."
	messageWeakPassword    = "Password should be at least 6 characters."
	messageInvalidRole     = "Please choose a valid role."
	messageWrongCredential = "Invalid email or password."
	messageRecentLogin     = "Please sign in again to continue."
	messageGoogleDisabled  = "Google sign-in is not available."
	messageDeviceRequired  = "A device identifier is required."
	messageUnavailable     = "The service is shutting down."
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// kindedError is implemented by the coordinators' service errors.
type kindedError interface {
	error
	Code() string
	Kind() string
	UserMessage() string
}

func statusForKind(kind string) int {
	switch kind {
	case "validation":
		return http.StatusBadRequest
	case "precondition":
		return http.StatusConflict
	case "reauth_required":
		return http.StatusForbidden
	case "unauthenticated":
		return http.StatusUnauthorized
	case "transport":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// describeError maps a failure onto a status and a response body.
func describeError(err error) (int, errorBody) {
	var kinded kindedError
	if errors.As(err, &kinded) {
		body := errorBody{Error: kinded.Code(), Message: kinded.UserMessage()}
		if kinded.Kind() == "reauth_required" {
			body.Error = codeReauthRequired
		}
		return statusForKind(kinded.Kind()), body
	}
	switch {
	case errors.Is(err, identity.ErrEmailExists):
		return http.StatusConflict, errorBody{Error: "email_exists", Message: messageEmailExists}
	case errors.Is(err, identity.ErrInvalidEmail):
		return http.StatusBadRequest, errorBody{Error: "invalid_email", Message: messageInvalidEmail}
	case errors.Is(err, identity.ErrWeakPassword):
		return http.StatusBadRequest, errorBody{Error: "weak_password", Message: messageWeakPassword}
	case errors.Is(err, identity.ErrInvalidRole):
		return http.StatusBadRequest, errorBody{Error: "invalid_role", Message: messageInvalidRole}
	case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrInvalidIdentity):
		return http.StatusUnauthorized, errorBody{Error: "invalid_credentials", Message: messageWrongCredential}
	case errors.Is(err, identity.ErrAccountNotFound):
		return http.StatusNotFound, errorBody{Error: "account_not_found", Message: messageAccountGone}
	case errors.Is(err, identity.ErrRequiresRecentLogin):
		return http.StatusForbidden, errorBody{Error: codeReauthRequired, Message: messageRecentLogin}
	case errors.Is(err, identity.ErrGoogleDisabled):
		return http.StatusNotImplemented, errorBody{Error: "google_disabled", Message: messageGoogleDisabled}
	case errors.Is(err, device.ErrInvalidID):
		return http.StatusBadRequest, errorBody{Error: "invalid_device", Message: messageDeviceRequired}
	case errors.Is(err, geo.ErrCoordinatesRequired), errors.Is(err, geo.ErrInvalidCoordinates):
		return http.StatusBadRequest, errorBody{Error: "invalid_position", Message: err.Error()}
	case errors.Is(err, geo.ErrSourceClosed), errors.Is(err, clients.ErrRegistryClosed):
		return http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: messageUnavailable}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal", Message: messageUnexpected}
	}
}

func (h *httpHandler) abortWithError(c *gin.Context, operation string, err error) {
	status, body := describeError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("reason", body.Error),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func abortInvalidRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: messageInvalidRequest})
}
