// internal/web/server.go
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"cpetscm/internal/audit"
	"cpetscm/internal/config"
	"cpetscm/internal/database"
	"cpetscm/internal/export"
	"cpetscm/internal/metrics"
)

// Searcher queries the document index. Nil when indexing is disabled.
type Searcher interface {
	Search(ctx context.Context, query string, from, size int) (*export.SearchResult, error)
}

type Server struct {
	config  *config.Config
	store   database.Store
	engine  *audit.Engine
	search  Searcher
	metrics *metrics.Collector
	router  *gin.Engine
	hub     *hub
	server  *http.Server
}

func NewServer(cfg *config.Config, store database.Store, engine *audit.Engine, search Searcher, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	if metricsCollector == nil {
		metricsCollector = metrics.NewCollector(store)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	server := &Server{
		config:  cfg,
		store:   store,
		engine:  engine,
		search:  search,
		metrics: metricsCollector,
		router:  router,
		hub:     newHub(metricsCollector),
	}

	engine.OnRunComplete(server.broadcastRun)
	server.setupRoutes()
	return server
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	logrus.WithField("port", s.config.Server.Port).Info("Starting web server")

	go s.updateMetricsRoutine(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/devices", s.getDevices)
		api.GET("/devices/:id", s.getDevice)
		api.POST("/devices/:id/compliance", s.runCompliance)
		api.GET("/devices/:id/history", s.getHistory)

		api.GET("/rules", s.getRules)
		api.POST("/rules", s.createRule)
		api.DELETE("/rules/:id", s.deleteRule)

		api.GET("/search", s.searchDocuments)
		api.GET("/stats", s.getStats)
		api.GET("/health", s.healthCheck)
		api.GET("/build", s.getBuildInfo)
	}
	s.setupPurgeRoutes(api)

	s.router.GET("/ws", s.handleWebSocket)

	if s.config.Prometheus.Enabled {
		s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   Version,
	})
}

func (s *Server) updateMetricsRoutine(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.metrics.UpdateSystemMetrics(ctx); err != nil {
				logrus.WithError(err).Error("Failed to update system metrics")
			}
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
