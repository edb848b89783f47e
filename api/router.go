package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrape/api/handler"
	"github.com/use-agent/scrape/api/middleware"
	"github.com/use-agent/scrape/cache"
	"github.com/use-agent/scrape/config"
	"github.com/use-agent/scrape/engine"
	"github.com/use-agent/scrape/extractor"
	"github.com/use-agent/scrape/scheduler"
)

// Deps are the components the routes serve.
type Deps struct {
	Manager   *scheduler.Manager
	Engine    engine.Engine
	Extractor *extractor.Extractor
	Cache     *cache.Cache
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health stays outside auth so health checks always work.
func NewRouter(d Deps, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Server.Mode != gin.TestMode {
		r.Use(gin.Logger())
	}

	v1 := r.Group("/api/v1")
	v1.GET("/health", handler.Health(d.Manager, startTime))

	// One chain so both scrape paths share rate-limit buckets.
	var chain []gin.HandlerFunc
	if cfg.Auth.Enabled {
		chain = append(chain, middleware.Auth(cfg.Auth.APIKeys))
	}
	chain = append(chain, middleware.RateLimit(cfg.RateLimit))

	protected := v1.Group("", chain...)

	scrape := handler.Scrape(d.Engine, d.Extractor, d.Cache, cfg.Fetch)
	protected.POST("/scrape", scrape)

	jobs := protected.Group("/jobs")
	jobs.POST("", handler.PostJob(d.Manager))
	jobs.GET("/:id", handler.GetJob(d.Manager))
	jobs.DELETE("/:id", handler.DeleteJob(d.Manager))
	jobs.POST("/:id/seeds", handler.PostSeeds(d.Manager))
	jobs.POST("/:id/close", handler.PostClose(d.Manager))
	jobs.GET("/:id/results", handler.GetResults(d.Manager))
	jobs.GET("/:id/stream", handler.StreamResults(d.Manager))

	// Unversioned single-URL endpoint.
	root := r.Group("", chain...)
	root.POST("/scrape", scrape)

	return r
}
