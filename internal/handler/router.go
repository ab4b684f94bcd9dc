// Package handler serves the daemon's HTTP API.
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/web-casa/dockerops/internal/auth"
	"github.com/web-casa/dockerops/internal/event"
)

// RouterConfig wires the API's dependencies.
type RouterConfig struct {
	JWTSecret    string
	PasswordHash string
	Reconciler   Reconciler
	Events       *event.Recorder
	Limiter      *auth.RateLimiter
	Logger       *slog.Logger
}

// NewRouter builds the API routes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Logger))

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	api := r.Group("/api")

	authH := NewAuthHandler(cfg.PasswordHash, cfg.JWTSecret, cfg.Limiter)
	api.POST("/auth/login", authH.Login)

	protected := api.Group("")
	protected.Use(auth.Middleware(cfg.JWTSecret))

	recH := NewReconcileHandler(cfg.Reconciler)
	protected.GET("/sources", recH.Sources)
	protected.GET("/stacks", recH.Stacks)
	protected.GET("/images", recH.Images)
	protected.POST("/reconcile", recH.Reconcile)

	eventH := NewEventHandler(cfg.Events)
	protected.GET("/events", eventH.List)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"ip", c.ClientIP(),
		)
	}
}
