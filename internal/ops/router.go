// Package ops exposes the facilitator's operational surface: health,
// room listings, counters, prometheus metrics and the WebSocket transport
// ingress for UDP-blocked clients.
package ops

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vrnet/facilitator/internal/config"
	"github.com/vrnet/facilitator/internal/directory"
	"github.com/vrnet/facilitator/internal/server"
	"github.com/vrnet/facilitator/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func SetupRouter(cfg *config.Config, srv *server.Server, hub *transport.WSHub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		filter := directory.ListFilter{
			Name:         c.Query("name"),
			OnlyJoinable: c.Query("joinable") == "true",
		}
		c.JSON(http.StatusOK, srv.Directory().List(filter))
	})

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions":       srv.Registry().Count(),
			"rooms":          srv.Directory().Count(),
			"relay_channels": srv.Relay().Count(),
		})
	})

	if hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
			if err != nil {
				log.Error().Err(err).Str("module", "ops").Msg("ws upgrade")
				return
			}
			hub.Accept(ws)
		})
	}

	log.Info().Str("module", "ops").Msg("router setup")
	return r
}
