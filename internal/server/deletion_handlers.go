package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/quorum"
	"github.com/gin-gonic/gin"
)

type reauthenticatePayload struct {
	Password      string `json:"password"`
	GoogleIDToken string `json:"google_id_token"`
}

func (h *httpHandler) handleRegisterSession(c *gin.Context) {
	session, err := hostedClient(c).Deletion.RegisterSession(c.Request.Context())
	if err != nil {
		h.abortWithError(c, "register_session", err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleDeletionState(c *gin.Context) {
	c.JSON(http.StatusOK, hostedClient(c).Deletion.State())
}

func (h *httpHandler) handleDeletionStream(c *gin.Context) {
	states, cancel := hostedClient(c).Deletion.Subscribe(c.Request.Context())
	defer cancel()
	streamUpdates(c, h, eventDeletionState, states, func(state quorum.State) bool {
		return state.Phase == quorum.PhaseDeleted
	})
}

func (h *httpHandler) handleInitiateDeletion(c *gin.Context) {
	request, err := hostedClient(c).Deletion.InitiateDeletion(c.Request.Context())
	if err != nil {
		h.abortWithError(c, "initiate_deletion", err)
		return
	}
	c.JSON(http.StatusCreated, request)
}

func (h *httpHandler) handleApproveDeletion(c *gin.Context) {
	request, err := hostedClient(c).Deletion.ApproveDeletion(c.Request.Context())
	if err != nil {
		h.abortWithError(c, "approve_deletion", err)
		return
	}
	c.JSON(http.StatusOK, request)
}

func (h *httpHandler) handleExecuteDeletion(c *gin.Context) {
	client := hostedClient(c)
	if err := client.Deletion.ExecuteDeletion(c.Request.Context()); err != nil {
		h.abortWithError(c, "execute_deletion", err)
		return
	}
	c.JSON(http.StatusOK, client.Deletion.State())
}

func (h *httpHandler) handleReauthenticate(c *gin.Context) {
	var request reauthenticatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortInvalidRequest(c)
		return
	}
	client := hostedClient(c)
	err := client.Deletion.Reauthenticate(c.Request.Context(), identity.Credential{
		Password:      request.Password,
		GoogleIDToken: request.GoogleIDToken,
	})
	if err != nil {
		h.abortWithError(c, "reauthenticate", err)
		return
	}
	c.JSON(http.StatusOK, client.Deletion.State())
}
