// internal/database/boltstore_extended.go - purge and stats support
package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// ExtendedBoltStore implements ExtendedStore
type ExtendedBoltStore struct {
	*BoltStore
}

// NewExtendedBoltStore creates a new extended BoltDB store
func NewExtendedBoltStore(path string) (*ExtendedBoltStore, error) {
	base, err := NewBoltStore(path)
	if err != nil {
		return nil, err
	}
	return &ExtendedBoltStore{BoltStore: base}, nil
}

// DeleteRecordsBefore removes compliance records dated before cutoff.
func (s *ExtendedBoltStore) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ResultsBucket)
		cursor := b.Cursor()

		var keysToDelete [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var record ComplianceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				continue
			}
			if record.Date.Before(cutoff) {
				keysToDelete = append(keysToDelete, copyBytes(k))
			}
		}

		for _, key := range keysToDelete {
			if err := b.Delete(key); err != nil {
				logrus.WithError(err).Error("Failed to delete compliance record")
				continue
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old records: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"deleted_count": deleted,
		"cutoff_time":   cutoff,
	}).Info("Deleted old compliance records")

	return deleted, nil
}

// DeleteDeviceRecords removes every compliance record held for deviceID.
func (s *ExtendedBoltStore) DeleteDeviceRecords(ctx context.Context, deviceID string) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ResultsBucket)
		prefix := []byte(deviceID + ":")

		var keysToDelete [][]byte
		cursor := b.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			keysToDelete = append(keysToDelete, copyBytes(k))
		}

		for _, key := range keysToDelete {
			if err := b.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete records for %s: %w", deviceID, err)
	}

	logrus.WithFields(logrus.Fields{
		"device_id":     deviceID,
		"deleted_count": deleted,
	}).Debug("Deleted device compliance records")

	return deleted, nil
}

// GetDatabaseStats returns information about database size and health
func (s *ExtendedBoltStore) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		stats.TotalDevices = tx.Bucket(DevicesBucket).Stats().KeyN
		stats.TotalRules = tx.Bucket(RulesBucket).Stats().KeyN

		b := tx.Bucket(ResultsBucket)
		stats.TotalRecords = b.Stats().KeyN

		// Keys are grouped per device, so the date range needs a full scan.
		return b.ForEach(func(k, v []byte) error {
			var record ComplianceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return nil
			}
			if stats.OldestRecord.IsZero() || record.Date.Before(stats.OldestRecord) {
				stats.OldestRecord = record.Date
			}
			if record.Date.After(stats.NewestRecord) {
				stats.NewestRecord = record.Date
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}

	return stats, nil
}

// copyBytes creates a copy of a byte slice
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	copied := make([]byte, len(b))
	copy(copied, b)
	return copied
}
