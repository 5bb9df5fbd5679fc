// internal/audit/maintenance.go
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cpetscm/internal/config"
	"cpetscm/internal/database"
)

// Maintenance prunes history past its retention and catalog entries that
// were removed from configuration.
type Maintenance struct {
	store  database.ExtendedStore
	config *config.Config
	now    func() time.Time
}

func NewMaintenance(store database.ExtendedStore, cfg *config.Config) *Maintenance {
	return &Maintenance{store: store, config: cfg, now: time.Now}
}

// PurgeHistory deletes compliance records older than the retention. A
// zero retention keeps everything.
func (m *Maintenance) PurgeHistory(ctx context.Context) (int, error) {
	retention := m.config.Database.HistoryRetention
	if retention <= 0 {
		return 0, nil
	}
	return m.store.DeleteRecordsBefore(ctx, m.now().Add(-retention))
}

// PurgeOrphanedDevices removes devices that no longer exist in the
// configuration, together with their history.
func (m *Maintenance) PurgeOrphanedDevices(ctx context.Context) (int, error) {
	configured := make(map[string]bool)
	for _, device := range m.config.Devices {
		configured[device.ID] = true
	}

	devices, err := m.store.GetDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get database devices: %w", err)
	}

	purged := 0
	for _, device := range devices {
		if configured[device.ID] {
			continue
		}
		logrus.WithField("device_id", device.ID).Info("Purging orphaned device from database")

		if err := m.store.DeleteDevice(ctx, device.ID); err != nil {
			logrus.WithError(err).WithField("device_id", device.ID).Error("Failed to delete orphaned device")
			continue
		}
		if _, err := m.store.DeleteDeviceRecords(ctx, device.ID); err != nil {
			logrus.WithError(err).WithField("device_id", device.ID).Error("Failed to delete orphaned device history")
		}
		purged++
	}
	return purged, nil
}

// PurgeOrphanedRules removes checks that no longer exist in the configuration.
func (m *Maintenance) PurgeOrphanedRules(ctx context.Context) (int, error) {
	configured := make(map[string]bool)
	for _, check := range m.config.Checks {
		configured[check.ID] = true
	}

	rules, err := m.store.GetRules(ctx, database.RuleFilters{})
	if err != nil {
		return 0, fmt.Errorf("failed to get database checks: %w", err)
	}

	purged := 0
	for _, rule := range rules {
		if configured[rule.ID] {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"id":    rule.ID,
			"check": rule.Key,
		}).Info("Purging orphaned check from database")

		if err := m.store.DeleteRule(ctx, rule.ID); err != nil {
			logrus.WithError(err).WithField("id", rule.ID).Error("Failed to delete orphaned check")
			continue
		}
		purged++
	}
	return purged, nil
}

// PurgeAll runs every purge and reports the failures together.
func (m *Maintenance) PurgeAll(ctx context.Context) error {
	var errs []string

	if _, err := m.PurgeOrphanedDevices(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("device purge failed: %v", err))
	}
	if _, err := m.PurgeOrphanedRules(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("check purge failed: %v", err))
	}
	if _, err := m.PurgeHistory(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("history purge failed: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("purge completed with errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SchedulePeriodicPurge purges once right away and then every interval
// until ctx is done.
func (m *Maintenance) SchedulePeriodicPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	go func() {
		if err := m.PurgeAll(ctx); err != nil {
			logrus.WithError(err).Error("Initial purge failed")
		}
	}()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logrus.Debug("Stopping periodic purge scheduler")
				return
			case <-ticker.C:
				if err := m.PurgeAll(ctx); err != nil {
					logrus.WithError(err).Error("Scheduled purge failed")
				}
			}
		}
	}()

	logrus.WithField("interval", interval).Info("Scheduled periodic purging")
}
