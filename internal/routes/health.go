package routes

import (
	"log"

	"tapload/external/upload"
	"tapload/internal/core"

	"github.com/gin-gonic/gin"
)

func HealthRoutes(r *gin.Engine, server *core.Server) {
	r.GET("/healthz", func(c *gin.Context) {
		err := server.DB.Ping(c.Request.Context())
		if err != nil {
			log.Printf("server.DB.Ping(ctx) %+v", err)
			c.JSON(503, upload.ErrorMessage{Error: "database unavailable"})
			return
		}

		c.JSON(200, gin.H{"status": "ok"})
	})
}
