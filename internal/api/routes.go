package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NewRouter builds the gin engine with CORS and every API route.
func NewRouter(deps Dependencies, bounties Bounties, corsOrigins []string, logger *logrus.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if allowAll(corsOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = corsOrigins
	}
	router.Use(cors.New(corsConfig))

	SetupRoutes(router, NewHandler(deps, logger))
	SetupBountyRoutes(router, bounties, logger)
	return router
}

func SetupRoutes(router *gin.Engine, handler *Handler) {
	api := router.Group("/api")
	{
		api.GET("/fmv", handler.GetFMV)
		api.GET("/hunting-mode", handler.GetHuntingMode)
		api.GET("/listings", handler.GetListings)
		api.POST("/listings/:id/verify", handler.VerifyListing)
		api.GET("/refill-tasks", handler.GetRefillTasks)
		api.POST("/refill-tasks/:id/status", handler.UpdateRefillTaskStatus)
		api.POST("/normalize", handler.Normalize)
		api.POST("/telegram/test", handler.TestTelegram)
		if handler.deps.Refill != nil {
			api.POST("/refill-tasks", handler.CreateRefillTask)
		}
	}
}

func allowAll(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
