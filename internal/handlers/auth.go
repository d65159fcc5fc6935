package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/bubble-mesh/internal/middleware"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token     string    `json:"token"`
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login exchanges the operator password for a JWT. Login is disabled when no
// operator password is configured.
func Login(jwtSecret, operatorPassword, deviceID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if operatorPassword == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Operator login is disabled",
			})
			return
		}

		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(req.Password), []byte(operatorPassword)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		token, expiresAt, err := middleware.IssueToken(jwtSecret, deviceID, middleware.TokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:     token,
			DeviceID:  deviceID,
			ExpiresAt: expiresAt,
		})
	}
}
