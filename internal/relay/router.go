// Package relay is a reference collaborator for the session client: the REST
// message API and the event relay, backed by sqlite.
package relay

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/messagehub/internal/metrics"
)

type Options struct {
	Production    bool
	CORSOrigins   string
	StoragePath   string
	MaxUploadSize int64
	// SendRate caps message creation per user; zero uses 60 per minute.
	SendRate limiter.Rate
	Logger   *slog.Logger
}

func NewRouter(store *Store, hub *Hub, auth *Auth, opts Options) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	rate := opts.SendRate
	if rate.Limit == 0 {
		rate = limiter.Rate{Period: time.Minute, Limit: 60}
	}

	h := NewHandler(store, hub, opts.StoragePath, opts.MaxUploadSize)

	router := gin.New()
	router.Use(serverErrorLogger(log))
	router.Use(gin.Logger())
	router.Use(panicRecovery(log))
	router.MaxMultipartMemory = opts.MaxUploadSize
	router.Use(cors(opts.CORSOrigins))

	api := router.Group("/api")
	api.Use(auth.Middleware())
	{
		sendLimiter := limiter.New(memory.NewStore(), rate)

		api.GET("/auth/users", h.GetUsers)
		api.GET("/messages/:peer", h.GetConversation)
		api.POST("/messages", rateLimitMiddleware(sendLimiter), h.SendText)
		api.POST("/messages/audio", rateLimitMiddleware(sendLimiter), h.SendAudio)
		api.POST("/messages/media", rateLimitMiddleware(sendLimiter), h.SendMedia)
	}

	if opts.StoragePath != "" {
		router.Static("/api/files", opts.StoragePath)
	}
	router.GET("/ws", auth.Middleware(), hub.HandleWebSocket)
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return router
}

// rateLimitMiddleware keys on the authenticated user, falling back to the
// client address.
func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := currentUser(c)
		if key == "" {
			key = c.ClientIP()
		}
		limiterContext, err := limiterInstance.Get(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rate limiter error"})
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func cors(origins string) gin.HandlerFunc {
	if origins == "" {
		origins = "*"
	}
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// serverErrorLogger logs the body of every 5xx response.
func serverErrorLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("server error",
				"status", c.Writer.Status(),
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"ip", c.ClientIP(),
				"duration", time.Since(start).Truncate(time.Millisecond),
				"errors", c.Errors.ByType(gin.ErrorTypeAny).String(),
				"response", strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func panicRecovery(log *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic recovered",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"error", recovered,
			"stack", string(debug.Stack()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}
