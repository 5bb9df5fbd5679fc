// internal/metrics/prometheus.go
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cpetscm/internal/database"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tscm_runs_total",
			Help: "Compliance runs by outcome",
		},
		[]string{"result"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tscm_run_duration_seconds",
			Help:    "Time spent on one compliance run",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tscm_snapshots_total",
			Help: "Configuration snapshots processed",
		},
		[]string{"outcome"},
	)

	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tscm_rule_evaluations_total",
			Help: "Rule evaluations by check and result",
		},
		[]string{"check", "result"},
	)

	RuleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tscm_rule_duration_seconds",
			Help:    "Time spent evaluating one rule",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"check"},
	)

	IndexFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tscm_index_flush_total",
			Help: "Bulk flushes to the search index",
		},
		[]string{"status"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tscm_notifications_total",
			Help: "Notification jobs enqueued",
		},
		[]string{"status"},
	)

	DeviceCompliance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tscm_device_compliant",
			Help: "Last run verdict per device (1=compliant)",
		},
		[]string{"device_id", "business_service"},
	)

	CatalogSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tscm_catalog_size",
			Help: "Devices and active rules in the catalog",
		},
		[]string{"kind"},
	)

	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tscm_database_operations_total",
			Help: "Total database operations performed",
		},
		[]string{"operation", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tscm_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)

type Collector struct {
	store database.Store
}

func NewCollector(store database.Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) RecordRun(deviceID, service string, compliant bool, err error, duration time.Duration) {
	RunDuration.Observe(duration.Seconds())
	switch {
	case err != nil:
		RunsTotal.WithLabelValues("error").Inc()
		return
	case compliant:
		RunsTotal.WithLabelValues("compliant").Inc()
	default:
		RunsTotal.WithLabelValues("not_compliant").Inc()
	}
	DeviceCompliance.WithLabelValues(deviceID, service).Set(boolValue(compliant))
}

func (c *Collector) RecordSnapshot(failed bool) {
	if failed {
		SnapshotsTotal.WithLabelValues("failed").Inc()
		return
	}
	SnapshotsTotal.WithLabelValues("processed").Inc()
}

// RecordRule counts one evaluation; result is pass, fail or fault.
func (c *Collector) RecordRule(check, result string, duration time.Duration) {
	RuleEvaluations.WithLabelValues(check, result).Inc()
	RuleDuration.WithLabelValues(check).Observe(duration.Seconds())
}

func (c *Collector) RecordFlush(err error) {
	IndexFlushes.WithLabelValues(statusLabel(err)).Inc()
}

func (c *Collector) RecordNotification(err error) {
	Notifications.WithLabelValues(statusLabel(err)).Inc()
}

func (c *Collector) RecordWebSocketConnection(delta int) {
	WebSocketConnections.Add(float64(delta))
}

// UpdateSystemMetrics refreshes the catalog gauges from the store.
func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	devices, err := c.store.GetDevices(ctx)
	if err != nil {
		DatabaseOperations.WithLabelValues("get_devices", "error").Inc()
		return err
	}
	DatabaseOperations.WithLabelValues("get_devices", "success").Inc()
	CatalogSize.WithLabelValues("devices").Set(float64(len(devices)))

	active := true
	rules, err := c.store.GetRules(ctx, database.RuleFilters{Active: &active})
	if err != nil {
		DatabaseOperations.WithLabelValues("get_rules", "error").Inc()
		return err
	}
	DatabaseOperations.WithLabelValues("get_rules", "success").Inc()
	CatalogSize.WithLabelValues("rules").Set(float64(len(rules)))

	return nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
