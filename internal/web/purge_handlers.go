// internal/web/purge_handlers.go
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const purgeTimeout = 30 * time.Second

func (s *Server) setupPurgeRoutes(api *gin.RouterGroup) {
	purge := api.Group("/purge")
	{
		purge.DELETE("/history", s.purgeHistory)
		purge.DELETE("/devices", s.purgeOrphanedDevices)
		purge.DELETE("/rules", s.purgeOrphanedRules)
		purge.DELETE("/all", s.purgeAll)
	}

	api.POST("/catalog/sync", s.syncCatalog)
}

// maintenanceAvailable aborts with 501 when the store cannot purge.
func (s *Server) maintenanceAvailable(c *gin.Context) bool {
	if s.engine.Maintenance() == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Maintenance not supported by this store"})
		return false
	}
	return true
}

// DELETE /api/purge/history
func (s *Server) purgeHistory(c *gin.Context) {
	if !s.maintenanceAvailable(c) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), purgeTimeout)
	defer cancel()

	n, err := s.engine.Maintenance().PurgeHistory(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to purge history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to purge history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "History purged",
		"purged":    n,
		"timestamp": time.Now(),
	})
}

// DELETE /api/purge/devices
func (s *Server) purgeOrphanedDevices(c *gin.Context) {
	if !s.maintenanceAvailable(c) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), purgeTimeout)
	defer cancel()

	n, err := s.engine.Maintenance().PurgeOrphanedDevices(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to purge orphaned devices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to purge orphaned devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Orphaned devices purged",
		"purged":    n,
		"timestamp": time.Now(),
	})
}

// DELETE /api/purge/rules
func (s *Server) purgeOrphanedRules(c *gin.Context) {
	if !s.maintenanceAvailable(c) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), purgeTimeout)
	defer cancel()

	n, err := s.engine.Maintenance().PurgeOrphanedRules(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to purge orphaned rules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to purge orphaned rules"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Orphaned rules purged",
		"purged":    n,
		"timestamp": time.Now(),
	})
}

// DELETE /api/purge/all
func (s *Server) purgeAll(c *gin.Context) {
	if !s.maintenanceAvailable(c) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), purgeTimeout)
	defer cancel()

	if err := s.engine.Maintenance().PurgeAll(ctx); err != nil {
		logrus.WithError(err).Error("Purge completed with errors")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Stale data purged",
		"timestamp": time.Now(),
	})
}

// POST /api/catalog/sync re-applies the configured devices and checks.
func (s *Server) syncCatalog(c *gin.Context) {
	logrus.Info("Catalog sync requested")

	if err := s.engine.SyncCatalog(c.Request.Context()); err != nil {
		logrus.WithError(err).Error("Catalog sync failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Catalog sync failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Catalog synchronized",
		"timestamp": time.Now(),
	})
}
