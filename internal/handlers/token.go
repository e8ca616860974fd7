package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/crewdeck/call-signaling/config"
)

// VideoTokenRequest is the optional request body; the email lands in the
// room token so the provider can show an avatar.
type VideoTokenRequest struct {
	Email string `json:"email"`
}

// VideoTokenResponse carries the minted room credential.
type VideoTokenResponse struct {
	Token string `json:"token"`
}

// VideoUser identifies the participant inside the room token.
type VideoUser struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// VideoContext nests the user the way the hosted provider expects.
type VideoContext struct {
	User VideoUser `json:"user"`
}

// VideoTokenClaims is the room credential contract: wildcard room scope,
// moderator privilege, and issuer/audience bound to the application id.
type VideoTokenClaims struct {
	Room      string       `json:"room"`
	Moderator bool         `json:"moderator"`
	Context   VideoContext `json:"context"`
	jwt.RegisteredClaims
}

// VideoToken mints a bounded-duration credential for the hosted video
// rooms. Authentication already happened; any signed-in user may join any
// room they were called into, so the scope is the whole application
// rather than one room.
func VideoToken(cfg config.VideoConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}
		displayName := c.GetString("display_name")
		if displayName == "" {
			displayName = userID
		}

		// Body is optional; reject only bodies that fail to parse.
		var req VideoTokenRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}

		now := time.Now()
		claims := VideoTokenClaims{
			Room:      "*",
			Moderator: true,
			Context: VideoContext{
				User: VideoUser{Name: displayName, Email: req.Email},
			},
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    cfg.AppID,
				Audience:  jwt.ClaimStrings{cfg.AppID},
				ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TokenTTL)),
				IssuedAt:  jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now),
			},
		}

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenString, err := token.SignedString([]byte(cfg.AppSecret))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, VideoTokenResponse{Token: tokenString})
	}
}
