// internal/audit/sync.go
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"cpetscm/internal/database"
)

// SyncCatalog upserts the devices and checks named in configuration into
// the store. Entries only present in the store are left alone; purging
// them is Maintenance's job.
func (e *Engine) SyncCatalog(ctx context.Context) error {
	created, updated := 0, 0

	for _, devCfg := range e.config.Devices {
		device := &database.Device{
			ID:              devCfg.ID,
			Routername:      devCfg.Routername,
			MgmtIP:          devCfg.MgmtIP,
			OS:              devCfg.OS,
			Vendor:          devCfg.Vendor,
			BusinessService: devCfg.BusinessService,
			DeviceModel:     devCfg.DeviceModel,
			Online:          devCfg.IsOnline(),
		}

		existing, err := e.store.GetDevice(ctx, device.ID)
		switch {
		case errors.Is(err, database.ErrNotFound):
			if err := e.store.CreateDevice(ctx, device); err != nil {
				return fmt.Errorf("failed to create device %s: %w", device.ID, err)
			}
			created++
			logrus.WithField("device_id", device.ID).Info("Created device")
		case err != nil:
			return fmt.Errorf("failed to load device %s: %w", device.ID, err)
		default:
			device.CreatedAt = existing.CreatedAt
			if err := e.store.UpdateDevice(ctx, device); err != nil {
				return fmt.Errorf("failed to update device %s: %w", device.ID, err)
			}
			updated++
		}
	}

	for _, checkCfg := range e.config.Checks {
		rule := &database.Rule{
			ID:                  checkCfg.ID,
			Key:                 checkCfg.Key,
			Body:                checkCfg.Body,
			Remediation:         checkCfg.Remediation,
			Vendor:              checkCfg.Vendor,
			BusinessService:     checkCfg.BusinessService,
			DeviceModel:         checkCfg.DeviceModel,
			ReplacesParentCheck: checkCfg.ReplacesParentCheck,
			HasChildChecks:      checkCfg.HasChildChecks,
			Active:              checkCfg.IsActive(),
		}

		existing, err := e.store.GetRule(ctx, rule.ID)
		switch {
		case errors.Is(err, database.ErrNotFound):
			if err := e.store.CreateRule(ctx, rule); err != nil {
				return fmt.Errorf("failed to create check %s: %w", rule.ID, err)
			}
			created++
			logrus.WithFields(logrus.Fields{"check": rule.Key, "id": rule.ID}).Info("Created check")
		case err != nil:
			return fmt.Errorf("failed to load check %s: %w", rule.ID, err)
		default:
			rule.CreatedAt = existing.CreatedAt
			if err := e.store.UpdateRule(ctx, rule); err != nil {
				return fmt.Errorf("failed to update check %s: %w", rule.ID, err)
			}
			updated++
		}
	}

	logrus.WithFields(logrus.Fields{
		"created": created,
		"updated": updated,
	}).Info("Catalog synced from configuration")

	if err := e.metrics.UpdateSystemMetrics(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to update catalog metrics")
	}
	return nil
}
