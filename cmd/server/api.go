package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// buildRouter assembles the HTTP surface: health, stats, room/user
// snapshots, and the websocket gateway.
func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.cidMiddleware())
	r.Use(s.otelMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "voicelink",
		})
	})

	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.stats())
	})

	r.GET("/api/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": s.manager.Rooms()})
	})

	r.GET("/api/users", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": s.manager.Users()})
	})

	r.GET("/ws", s.handleWebSocket)

	return r
}
