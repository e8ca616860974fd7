package handlers

import (
	"log"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/crewdeck/call-signaling/internal/presence"
)

// PresenceResponse lists the users currently attached to a gateway.
type PresenceResponse struct {
	Online []string `json:"online"`
}

// Presence reports who is online right now. Sorted so the response is
// stable regardless of the tracker backend.
func Presence(tracker presence.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids, err := tracker.Online(c.Request.Context())
		if err != nil {
			log.Printf("Failed to list online users: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list online users"})
			return
		}
		if ids == nil {
			ids = []string{}
		}
		sort.Strings(ids)
		c.JSON(http.StatusOK, PresenceResponse{Online: ids})
	}
}
