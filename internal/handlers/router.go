package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/bubble-mesh/config"
	"github.com/mossy-p/bubble-mesh/internal/middleware"
)

// NewRouter builds the control API of node.
func NewRouter(cfg *config.Config, node Node, logger *logrus.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "device_id": node.LocalID()})
	})

	h := NewHandler(node, logger)
	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret, cfg.OperatorPassword, node.LocalID()))

		apiGroup.GET("/peers", h.ListPeers)
		apiGroup.GET("/messages", h.ListMessages)

		apiGroup.POST("/peers/:deviceId/connect", auth, h.ConnectPeer)
		apiGroup.DELETE("/peers/:deviceId", auth, h.DisconnectPeer)
		apiGroup.DELETE("/peers", auth, h.DisconnectAll)
		apiGroup.POST("/peers/:deviceId/messages", auth, h.SendMessage)
		apiGroup.POST("/messages", auth, h.BroadcastMessage)
	}

	router.GET("/ws/events", h.Events)
	return router
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	}
}
