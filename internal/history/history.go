// internal/history/history.go
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"cpetscm/internal/database"
)

// RecordStore is the part of the database the lookup needs.
type RecordStore interface {
	AddRecord(ctx context.Context, record *database.ComplianceRecord) error
	GetRecords(ctx context.Context, filters database.RecordFilters) ([]database.ComplianceRecord, error)
}

// Lookup answers "what was this device's compliance last time we knew".
type Lookup struct {
	store   RecordStore
	window  time.Duration
	nowFunc func() time.Time
}

// NewLookup creates a lookup whose offline fallback looks back
// maximumConfigAge days.
func NewLookup(store RecordStore, maximumConfigAge int) *Lookup {
	return &Lookup{
		store:   store,
		window:  time.Duration(maximumConfigAge) * 24 * time.Hour,
		nowFunc: time.Now,
	}
}

// CompliantSince reports the most recent known compliance of deviceID.
// A device without history is not compliant. When the latest record was
// taken while the device was offline, the device counts as compliant if it
// was seen online and compliant at least once inside the window.
func (l *Lookup) CompliantSince(ctx context.Context, deviceID string) (bool, error) {
	latest, err := l.store.GetRecords(ctx, database.RecordFilters{DeviceID: deviceID, Limit: 1})
	if err != nil {
		return false, fmt.Errorf("failed to load history for %s: %w", deviceID, err)
	}
	if len(latest) == 0 {
		return false, nil
	}

	if latest[0].IsOnline {
		return latest[0].IsCompliant, nil
	}

	now := l.nowFunc()
	since := now.Add(-l.window)
	online, compliant := true, true
	hits, err := l.store.GetRecords(ctx, database.RecordFilters{
		DeviceID:    deviceID,
		Since:       &since,
		Until:       &now,
		IsOnline:    &online,
		IsCompliant: &compliant,
		Limit:       1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to load online history for %s: %w", deviceID, err)
	}

	logrus.WithFields(logrus.Fields{
		"device_id": deviceID,
		"since":     since.Format(time.RFC3339),
		"found":     len(hits) > 0,
	}).Debug("Latest record is offline, using lookback window")

	return len(hits) > 0, nil
}

// Record stores one verdict so later offline runs have history to consult.
func (l *Lookup) Record(ctx context.Context, deviceID string, date time.Time, online, compliant bool, reason string) error {
	return l.store.AddRecord(ctx, &database.ComplianceRecord{
		DeviceID:    deviceID,
		Date:        date,
		IsOnline:    online,
		IsCompliant: compliant,
		Reason:      reason,
	})
}
