// internal/web/handlers.go
package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"cpetscm/internal/audit"
	"cpetscm/internal/database"
)

// RuleRequest is the body accepted by POST /api/rules.
type RuleRequest struct {
	Key                 string `json:"key" binding:"required"`
	Vendor              string `json:"vendor" binding:"required"`
	BusinessService     string `json:"business_service" binding:"required"`
	DeviceModel         string `json:"device_model"`
	ReplacesParentCheck string `json:"replaces_parent_check"`
	HasChildChecks      bool   `json:"has_child_checks"`
	Remediation         string `json:"remediation"`
	Body                string `json:"body" binding:"required"`
	Active              *bool  `json:"active"`
}

// GET /api/devices
func (s *Server) getDevices(c *gin.Context) {
	devices, err := s.store.GetDevices(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get devices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  devices,
		"count": len(devices),
	})
}

// GET /api/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	device, err := s.store.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get device"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": device})
}

// POST /api/devices/:id/compliance[?check=KEY]
func (s *Server) runCompliance(c *gin.Context) {
	deviceID := c.Param("id")
	report, err := s.engine.RunComplianceCheck(c.Request.Context(), deviceID, c.Query("check"))
	if err != nil {
		if errors.Is(err, audit.ErrNoContext) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		logrus.WithError(err).WithField("device_id", deviceID).Error("Compliance run failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Compliance run failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

// GET /api/devices/:id/history?since=RFC3339&limit=N
func (s *Server) getHistory(c *gin.Context) {
	filters := database.RecordFilters{
		DeviceID: c.Param("id"),
		Limit:    100,
	}

	if sinceStr := c.Query("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		filters.Since = &since
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive number"})
			return
		}
		filters.Limit = limit
	}

	records, err := s.store.GetRecords(c.Request.Context(), filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  records,
		"count": len(records),
	})
}

// GET /api/rules. With vendor and service set the result is the rule
// selection a run would use; otherwise the raw catalog filtered by the
// given fields.
func (s *Server) getRules(c *gin.Context) {
	vendor := c.Query("vendor")
	service := c.Query("service")

	var (
		rules []database.Rule
		err   error
	)
	if vendor != "" && service != "" {
		rules, err = s.engine.Catalog().SelectRules(c.Request.Context(), vendor, service, c.Query("model"), c.Query("check"))
	} else {
		rules, err = s.store.GetRules(c.Request.Context(), database.RuleFilters{
			Vendor:          vendor,
			BusinessService: service,
			Key:             c.Query("check"),
			DeviceModel:     c.Query("model"),
		})
	}
	if err != nil {
		logrus.WithError(err).Error("Failed to get rules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get rules"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  rules,
		"count": len(rules),
	})
}

// POST /api/rules
func (s *Server) createRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := &database.Rule{
		Key:                 req.Key,
		Vendor:              req.Vendor,
		BusinessService:     req.BusinessService,
		DeviceModel:         req.DeviceModel,
		ReplacesParentCheck: req.ReplacesParentCheck,
		HasChildChecks:      req.HasChildChecks,
		Remediation:         req.Remediation,
		Body:                req.Body,
		Active:              req.Active == nil || *req.Active,
	}
	if err := s.store.CreateRule(c.Request.Context(), rule); err != nil {
		logrus.WithError(err).Error("Failed to create rule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create rule"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": rule})
}

// DELETE /api/rules/:id
func (s *Server) deleteRule(c *gin.Context) {
	if err := s.store.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Rule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete rule"})
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/search?q=QUERY&from=N&size=N
func (s *Server) searchDocuments(c *gin.Context) {
	if s.search == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Search index is disabled"})
		return
	}

	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	from, _ := strconv.Atoi(c.DefaultQuery("from", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	result, err := s.search.Search(c.Request.Context(), query, from, size)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  result.Hits,
		"total": result.Total,
	})
}

// GET /api/stats
func (s *Server) getStats(c *gin.Context) {
	ext, ok := s.store.(database.ExtendedStore)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Statistics not supported by this store"})
		return
	}

	stats, err := ext.GetDatabaseStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get statistics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}
