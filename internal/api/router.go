package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChikamsoChidebe/Photonx/internal/telemetry"
)

// Config carries the handlers the router mounts.
type Config struct {
	ChannelHandler *ChannelHandler
}

// NewRouter builds the gin engine with the operator API surface.
func NewRouter(cfg *Config) *gin.Engine {
	router := gin.Default()

	api := router.Group("/v1/")
	registerChannelRoutes(api, cfg.ChannelHandler)

	router.GET("/ws", cfg.ChannelHandler.Subscribe)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(telemetry.Handler()))

	return router
}

func registerChannelRoutes(rg *gin.RouterGroup, h *ChannelHandler) {
	rg.POST("channels", h.Open)
	rg.GET("channels", h.ListChannels)
	rg.GET("channels/:id", h.GetChannel)
	rg.POST("channels/:id/messages", h.SubmitMessage)
	rg.POST("channels/:id/checkpoint", h.Checkpoint)
	rg.POST("channels/:id/close", h.Close)
	rg.POST("channels/:id/dispute", h.StageDispute)
	rg.POST("channels/:id/dispute/resolve", h.ResolveDispute)
}
