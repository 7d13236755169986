package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the read-only API engine.
func NewRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	SetupRoutes(router, handler)
	return router
}

func SetupRoutes(router *gin.Engine, handler *Handler) {
	api := router.Group("/api")
	{
		api.GET("/listings/:category", handler.GetListings)
		api.GET("/listings/:category/:hash", handler.GetListing)
		api.GET("/stats", handler.GetStats)
		api.GET("/cities", handler.ListCities)
		api.GET("/cities/:name/apartments", handler.GetCityApartments)
		api.GET("/cities/:name/geojson", handler.GetCityCoverage)
	}
}
