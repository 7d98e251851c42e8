package routes

import (
	"github.com/gin-gonic/gin"

	"marketbot/internal/handlers"
	"marketbot/internal/middleware"
)

// RouterConfig wires the handlers the ingress serves.
type RouterConfig struct {
	Webhook        *handlers.WebhookHandler
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
}

// SetupRouter initializes and returns the Gin router with all routes configured.
func SetupRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.Any("/health", handlers.Health)

	r.Use(corsMiddleware(cfg.AllowedOrigins))

	SetupWebhookRoutes(r, cfg)

	return r
}

// SetupWebhookRoutes sets up the signal ingress. Rate limiting applies per
// client and only to the webhook group.
func SetupWebhookRoutes(r *gin.Engine, cfg RouterConfig) {
	webhooks := r.Group("/api/webhooks")
	if cfg.RateLimiter != nil {
		webhooks.Use(cfg.RateLimiter.Middleware())
	}
	{
		webhooks.POST("/:bot_id", cfg.Webhook.Receive)
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		if origin := c.Request.Header.Get("Origin"); allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Origin, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
