// Package httpapi exposes the block service over HTTP and websockets.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blockcollab/backend/internal/collab"
	"blockcollab/backend/internal/httpapi/handlers"
	"blockcollab/backend/internal/httpapi/middleware"
	"blockcollab/backend/internal/ws"
)

type RouterOptions struct {
	Service  *collab.BlockService
	Sockets  *ws.Manager
	Verifier middleware.TokenVerifier
	// EnableCORS is off when a gateway in front already adds CORS headers;
	// doubled headers make browsers reject the response.
	EnableCORS bool
	// Logging toggles gin.Logger.
	Logging bool
}

func NewRouter(opt RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if opt.Logging {
		router.Use(gin.Logger())
	}
	if opt.EnableCORS {
		router.Use(cors.New(cors.Config{
			// also admits Origin: null from file:// pages
			AllowOriginFunc:  func(origin string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := handlers.NewHandler(opt.Service, opt.Sockets)
	docs := router.Group("/v1/documents")
	docs.Use(middleware.AuthMiddleware(opt.Verifier))
	{
		docs.POST("", h.CreateDocument)
		docs.GET("/:doc", h.GetDocument)
		docs.PATCH("/:doc", h.UpdateDocument)
		docs.PUT("/:doc/collaborators", h.SetCollaborators)
		docs.GET("/:doc/editors", h.Editors)
		docs.GET("/:doc/subscribe", h.Subscribe)

		docs.GET("/:doc/blocks", h.ListBlocks)
		docs.POST("/:doc/blocks", h.CreateBlock)
		docs.PATCH("/:doc/blocks/:block", h.UpdateBlock)
		docs.DELETE("/:doc/blocks/:block", h.DeleteBlock)

		docs.POST("/:doc/blocks/:block/lock", h.AcquireLock)
		docs.PUT("/:doc/blocks/:block/lock", h.RenewLock)
		docs.DELETE("/:doc/blocks/:block/lock", h.ReleaseLock)
	}
	return router
}
