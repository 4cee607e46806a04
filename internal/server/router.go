// Package server is the signald front: a gin router exposing the shared
// signaling store over a websocket, plus a read-only REST surface for
// diagnostics.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/store"
)

func SetupRouter(ctx context.Context, cfg *config.Config, st *store.Memory) *gin.Engine {
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

	// GET /v1/accounts — presence snapshot, mainly for debugging.
	r.GET("/v1/accounts", func(c *gin.Context) {
		accounts, err := st.Snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"accounts": accounts})
	})

	ctl := &WSController{Store: st, ReadLimit: cfg.ReadLimit}
	r.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "server").Str("remote", c.ClientIP()).Msg("ws endpoint hit")
		ctl.Handle(ctx, c)
	})

	return r
}
