package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appconfig "github.com/saker-ai/tts-streamer/internal/config"
	"github.com/saker-ai/tts-streamer/internal/metrics"
	"github.com/saker-ai/tts-streamer/internal/storage"
	"github.com/saker-ai/tts-streamer/internal/ws"
)

// Options carries the handlers the router mounts.
type Options struct {
	WSHandler *ws.Handler
	Hub       *ws.Hub
	Journal   *storage.Journal
	Metrics   *metrics.Metrics
}

// NewRouter builds the gin engine serving the device socket, the control API
// and the metrics endpoint.
func NewRouter(cfg appconfig.Config, opts Options, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if opts.WSHandler != nil {
		router.GET("/device-ws", func(c *gin.Context) {
			opts.WSHandler.Handle(c.Writer, c.Request)
		})
	}

	if cfg.Metrics.Enabled && opts.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(opts.Metrics.Handler()))
	}

	if opts.Hub != nil {
		apiLogger := logger
		if apiLogger == nil {
			apiLogger = zap.NewNop()
		}
		api := &deviceAPI{hub: opts.Hub, journal: opts.Journal, logger: apiLogger}
		group := router.Group("/api/devices")
		group.GET("", api.list)
		group.GET("/:id", api.get)
		group.POST("/:id/speak", api.speak)
		group.POST("/:id/stop", api.stop)
		group.GET("/:id/sessions", api.sessions)
		group.GET("/:id/playback", api.playback)
	}

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		if logger == nil {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", latency),
		)
	}
}
