// internal/database/store.go
package database

import (
	"context"
	"time"
)

// Store defines the interface for database operations
type Store interface {
	// Device directory
	GetDevices(ctx context.Context) ([]Device, error)
	GetDevice(ctx context.Context, id string) (*Device, error)
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	DeleteDevice(ctx context.Context, id string) error

	// Rule catalog
	GetRules(ctx context.Context, filters RuleFilters) ([]Rule, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
	CreateRule(ctx context.Context, rule *Rule) error
	UpdateRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, id string) error

	// Compliance history
	AddRecord(ctx context.Context, record *ComplianceRecord) error
	GetRecords(ctx context.Context, filters RecordFilters) ([]ComplianceRecord, error)

	Close() error
}

// ExtendedStore adds the maintenance operations used by the purge routines.
type ExtendedStore interface {
	Store

	DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteDeviceRecords(ctx context.Context, deviceID string) (int, error)
	GetDatabaseStats(ctx context.Context) (*DatabaseStats, error)
}

// DatabaseStats provides information about database size and health
type DatabaseStats struct {
	TotalDevices int       `json:"total_devices"`
	TotalRules   int       `json:"total_rules"`
	TotalRecords int       `json:"total_records"`
	DatabaseSize int64     `json:"database_size_bytes"`
	OldestRecord time.Time `json:"oldest_record"`
	NewestRecord time.Time `json:"newest_record"`
}
