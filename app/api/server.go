package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seclens/seclens/app/metrics"
)

func NewServer(handler *Handler, apiAccessKey string, debug bool) *gin.Engine {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health", "/metrics"},
	}))

	r.Use(gin.Recovery())
	r.Use(metricsMiddleware(handler.metrics))

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	setupRoutes(r, handler, apiAccessKey)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, apiAccessKey string) {
	r.GET("/health", handler.GetHealth)
	r.GET("/metrics", gin.WrapH(handler.metrics.Handler()))

	r.GET("/v1/bulletins", handler.ListBulletins)
	r.GET("/v1/bulletins/rss", handler.GetBulletinsRSS)
	r.GET("/v1/bulletins/:id", handler.GetBulletin)
	r.GET("/v1/sources", handler.ListSources)
	r.GET("/rss/:token", handler.GetSubscriptionFeed)

	if apiAccessKey != "" {
		api := r.Group("/v1")
		api.Use(authMiddleware(apiAccessKey))
		{
			api.POST("/ingest/bulletins", handler.APIIngestBulletins)
			api.POST("/sources/:slug/collect", handler.APICollectSource)
			api.POST("/resolve", handler.APIResolve)

			api.GET("/subscriptions", handler.APIListSubscriptions)
			api.POST("/subscriptions", handler.APICreateSubscription)
			api.DELETE("/subscriptions/:id", handler.APIDeleteSubscription)

			api.GET("/push-rules", handler.APIListPushRules)
			api.POST("/push-rules", handler.APICreatePushRule)
			api.DELETE("/push-rules/:id", handler.APIDeletePushRule)
		}
		slog.Debug("API endpoints enabled with authentication")
	} else {
		slog.Warn("API endpoints disabled (API_ACCESS_KEY not set)")
	}

	r.GET("/", func(c *gin.Context) {
		endpoints := map[string]string{
			"bulletins":    "/v1/bulletins",
			"bulletin":     "/v1/bulletins/<id>",
			"rss":          "/v1/bulletins/rss",
			"sources":      "/v1/sources",
			"subscription": "/rss/<token>",
			"health":       "/health",
			"metrics":      "/metrics",
		}

		if apiAccessKey != "" {
			endpoints["ingest"] = "/v1/ingest/bulletins (POST, requires X-API-Key header)"
			endpoints["collect"] = "/v1/sources/<slug>/collect (POST, requires X-API-Key header)"
			endpoints["resolve"] = "/v1/resolve (POST, requires X-API-Key header)"
			endpoints["subscriptions"] = "/v1/subscriptions (requires X-API-Key header)"
			endpoints["push_rules"] = "/v1/push-rules (requires X-API-Key header)"
		}

		c.JSON(http.StatusOK, gin.H{
			"service":     "SecLens",
			"version":     handler.version,
			"description": "Security bulletin aggregation with publication time resolution and deduplication",
			"endpoints":   endpoints,
			"api_status": map[string]interface{}{
				"enabled":       apiAccessKey != "",
				"auth_required": apiAccessKey != "",
				"header":        "X-API-Key",
			},
		})
	})

	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
}

func metricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.ObserveRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				providedKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if providedKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		if providedKey != apiAccessKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
