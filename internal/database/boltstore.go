// internal/database/boltstore.go - BoltDB implementation of the TSCM store
package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	DevicesBucket = []byte("devices")
	RulesBucket   = []byte("rules")
	ResultsBucket = []byte("results")
	MetaBucket    = []byte("meta")
)

var errLimitReached = errors.New("limit reached")

type BoltStore struct {
	db   *bbolt.DB
	path string
}

// NewBoltStore opens (or creates) the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{DevicesBucket, RulesBucket, ResultsBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", bucket, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %q: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("%s %q: %w", bucket, key, ErrNotFound)
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) GetDevices(ctx context.Context) ([]Device, error) {
	var devices []Device

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(DevicesBucket).ForEach(func(k, v []byte) error {
			var device Device
			if err := json.Unmarshal(v, &device); err != nil {
				return fmt.Errorf("failed to unmarshal device %s: %w", k, err)
			}
			devices = append(devices, device)
			return nil
		})
	})

	return devices, err
}

func (s *BoltStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var device Device
	if err := s.get(DevicesBucket, id, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltStore) CreateDevice(ctx context.Context, device *Device) error {
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	device.CreatedAt = time.Now()
	device.UpdatedAt = device.CreatedAt
	return s.put(DevicesBucket, device.ID, device)
}

func (s *BoltStore) UpdateDevice(ctx context.Context, device *Device) error {
	device.UpdatedAt = time.Now()
	return s.put(DevicesBucket, device.ID, device)
}

func (s *BoltStore) DeleteDevice(ctx context.Context, id string) error {
	return s.delete(DevicesBucket, id)
}

// GetRules returns the rules matching filters, ordered by key then id.
func (s *BoltStore) GetRules(ctx context.Context, filters RuleFilters) ([]Rule, error) {
	var rules []Rule

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(RulesBucket).ForEach(func(k, v []byte) error {
			var rule Rule
			if err := json.Unmarshal(v, &rule); err != nil {
				return fmt.Errorf("failed to unmarshal rule %s: %w", k, err)
			}
			if filters.match(&rule) {
				rules = append(rules, rule)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Key != rules[j].Key {
			return rules[i].Key < rules[j].Key
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

func (s *BoltStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	var rule Rule
	if err := s.get(RulesBucket, id, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *BoltStore) CreateRule(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.Normalize()
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	return s.put(RulesBucket, rule.ID, rule)
}

func (s *BoltStore) UpdateRule(ctx context.Context, rule *Rule) error {
	rule.Normalize()
	rule.UpdatedAt = time.Now()
	return s.put(RulesBucket, rule.ID, rule)
}

func (s *BoltStore) DeleteRule(ctx context.Context, id string) error {
	return s.delete(RulesBucket, id)
}

// recordKey sorts a device's records chronologically under a common prefix.
func recordKey(r *ComplianceRecord) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%s", r.DeviceID, r.Date.UnixNano(), r.ID))
}

func (s *BoltStore) AddRecord(ctx context.Context, record *ComplianceRecord) error {
	if record.DeviceID == "" {
		return fmt.Errorf("compliance record has no device id")
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Date.IsZero() {
		record.Date = time.Now()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(ResultsBucket).Put(recordKey(record), data)
	})
}

// GetRecords returns matching records newest first.
func (s *BoltStore) GetRecords(ctx context.Context, filters RecordFilters) ([]ComplianceRecord, error) {
	var records []ComplianceRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(ResultsBucket).Cursor()

		visit := func(v []byte) error {
			var record ComplianceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return nil // Skip malformed entries
			}
			if !filters.match(&record) {
				return nil
			}
			records = append(records, record)
			if filters.DeviceID != "" && filters.Limit > 0 && len(records) >= filters.Limit {
				return errLimitReached
			}
			return nil
		}

		if filters.DeviceID == "" {
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if err := visit(v); err != nil {
					return err
				}
			}
			return nil
		}

		// Walk the device prefix backwards so the limit keeps the newest records.
		prefix := []byte(filters.DeviceID + ":")
		end := append(append([]byte{}, prefix[:len(prefix)-1]...), ':'+1)
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			if err := visit(v); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errLimitReached) {
		err = nil
	}
	if err != nil {
		return nil, err
	}

	if filters.DeviceID == "" {
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Date.After(records[j].Date)
		})
		if filters.Limit > 0 && len(records) > filters.Limit {
			records = records[:filters.Limit]
		}
	}
	return records, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
