package server

import (
	"errors"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/gin-gonic/gin"
)

const (
	eventTrackingView   = "tracking-view"
	eventDeletionState  = "deletion-state"
	eventAccountDeleted = "account-deleted"
	eventHeartbeat      = "heartbeat"
)

type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// streamUpdates relays updates as server-sent events until the client leaves, the stream
// closes, last reports a final update, or the account disappears.
func streamUpdates[T any](c *gin.Context, h *httpHandler, event string, updates <-chan T, last func(T) bool) {
	claims, _ := sessionClaims(c)
	ctx := c.Request.Context()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case update, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent(event, update)
			return last == nil || !last(update)
		case now := <-ticker.C:
			if _, err := h.identity.CurrentUser(ctx, claims.AccountID); errors.Is(err, identity.ErrAccountNotFound) {
				c.SSEvent(eventAccountDeleted, gin.H{"account_id": claims.AccountID})
				return false
			}
			c.SSEvent(eventHeartbeat, heartbeatPayload{Timestamp: now.UTC()})
			return true
		}
	})
}
