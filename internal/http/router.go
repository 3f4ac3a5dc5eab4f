// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/zoekt-coordinator/internal/backoff"
	"github.com/tbourn/zoekt-coordinator/internal/config"
	"github.com/tbourn/zoekt-coordinator/internal/domain"
	"github.com/tbourn/zoekt-coordinator/internal/events"
	"github.com/tbourn/zoekt-coordinator/internal/http/docs"
	"github.com/tbourn/zoekt-coordinator/internal/http/handlers"
	"github.com/tbourn/zoekt-coordinator/internal/http/middleware"
	"github.com/tbourn/zoekt-coordinator/internal/repo"
	"github.com/tbourn/zoekt-coordinator/internal/search"
	"github.com/tbourn/zoekt-coordinator/internal/services"
)

// Deps are the long-lived components the routes are served by.
type Deps struct {
	DB      *gorm.DB
	Bus     *events.Bus
	Breaker *backoff.Controller
	// Truncater is usually the *zoekt.Client.
	Truncater handlers.Truncater
	Results   *search.Results
	Indexer   *services.NamespaceIndexer
	Log       zerolog.Logger
}

// nodeRepoShim adapts the repository free functions to the services.NodeRepo
// interface expected by the NodeService. This keeps services decoupled from
// the concrete repo package while reusing existing functions.
type nodeRepoShim struct{}

// FindOrInitializeByHeartbeat proxies repo.FindOrInitializeByHeartbeat.
func (nodeRepoShim) FindOrInitializeByHeartbeat(ctx context.Context, db *gorm.DB, p domain.HeartbeatParams, now time.Time) (*domain.Node, error) {
	return repo.FindOrInitializeByHeartbeat(ctx, db, p, now)
}

// GetNode proxies repo.GetNode.
func (nodeRepoShim) GetNode(ctx context.Context, db *gorm.DB, id uint64) (*domain.Node, error) {
	return repo.GetNode(ctx, db, id)
}

// ListNodes proxies repo.ListNodes.
func (nodeRepoShim) ListNodes(ctx context.Context, db *gorm.DB) ([]domain.Node, error) {
	return repo.ListNodes(ctx, db)
}

// NodeQueueStats proxies repo.NodeQueueStats.
func (nodeRepoShim) NodeQueueStats(ctx context.Context, db *gorm.DB, nodeID uint64) (int64, *time.Time, error) {
	return repo.NodeQueueStats(ctx, db, nodeID)
}

// PendingTasksForNode proxies repo.PendingTasksForNode.
func (nodeRepoShim) PendingTasksForNode(ctx context.Context, db *gorm.DB, nodeID uint64, limit int) ([]domain.Task, error) {
	return repo.PendingTasksForNode(ctx, db, nodeID, limit)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), rate limiting,
// compression, CORS and security headers, health and metrics endpoints, and
// then mounts the versioned API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with secret scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per user/IP)
//  8. Gzip for responses (search pages can be large)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-Node-Token", // node-to-coordinator shared secret
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per user/IP; node heartbeats are exempt
	base := strings.TrimRight(cfg.APIBasePath, "/")
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP(),
		middleware.WithExemptPrefixes(base+"/internal/"))
	r.Use(rl.Handler())

	// 8) Compression, skipped for the scrape endpoint
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
		NoStorePrefixes: []string{
			base + "/internal/",
			base + "/zoekt/",
			base + "/admin/",
		},
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/breaker
	window := cfg.Zoekt.NodeOnlineWindow
	if window <= 0 {
		window = time.Minute
	}
	nodeSvc := services.NewNodeService(d.DB, nodeRepoShim{}, d.Breaker)
	nodeSvc.OnlineWindow = window
	assignSvc := services.NewAssignmentService(d.DB, d.Bus, d.Breaker, window, d.Log)
	searchSvc := services.NewSearchService(d.DB, d.Results, d.Breaker)
	h := handlers.New(nodeSvc, assignSvc, d.Indexer, searchSvc, d.Truncater)

	// API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Node-facing
		api.POST("/internal/zoekt/heartbeat", h.Heartbeat)

		// Nodes
		api.GET("/zoekt/nodes", h.ListNodes)
		api.GET("/zoekt/nodes/:id", h.GetNode)
		api.GET("/zoekt/nodes/:id/tasks", h.ListNodeTasks)

		// Namespaces and indices
		api.POST("/namespaces/:id/zoekt", h.EnableNamespace)
		api.PATCH("/namespaces/:id/zoekt", h.UpdateNamespace)
		api.DELETE("/namespaces/:id/zoekt", h.DisableNamespace)
		api.GET("/namespaces/:id/zoekt/indices", h.ListIndices)
		api.POST("/namespaces/:id/zoekt/indices", h.AssignIndex)
		api.DELETE("/zoekt/indices/:id", h.DeleteIndex)

		// Projects
		api.POST("/projects/:id/zoekt/index", h.IndexProject)

		// Search
		api.GET("/search/blobs", h.SearchBlobs)

		// Admin
		api.POST("/admin/zoekt/truncate", h.Truncate)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
