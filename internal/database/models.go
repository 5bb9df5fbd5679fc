// internal/database/models.go
package database

import (
	"errors"
	"time"
)

const (
	// AllModels is the device model sentinel for rules that apply to every model.
	AllModels = "All"
	// NoParent is the replaces_parent_check sentinel for baseline rules.
	NoParent = "None"
)

// ErrNotFound is returned when a device, rule or record does not exist.
var ErrNotFound = errors.New("not found")

// Device is a CPE as known to the device directory.
type Device struct {
	ID              string    `json:"device_id"`
	Routername      string    `json:"routername"`
	MgmtIP          string    `json:"mgmt_ip"`
	OS              string    `json:"os"`
	Vendor          string    `json:"vendor"`
	BusinessService string    `json:"business_service"`
	DeviceModel     string    `json:"device_model"`
	Online          bool      `json:"online"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Rule is a TSCM check as stored in the catalog.
type Rule struct {
	ID                  string    `json:"id"`
	Key                 string    `json:"key"`
	Body                string    `json:"body"`
	Remediation         string    `json:"remediation"`
	Vendor              string    `json:"vendor"`
	BusinessService     string    `json:"business_service"`
	DeviceModel         string    `json:"device_model"`
	ReplacesParentCheck string    `json:"replaces_parent_check"`
	HasChildChecks      bool      `json:"has_child_checks"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ComplianceRecord is one historical compliance outcome for a device.
type ComplianceRecord struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Date        time.Time `json:"date"`
	IsOnline    bool      `json:"is_online"`
	IsCompliant bool      `json:"is_compliant"`
	Reason      string    `json:"reason,omitempty"`
}

// RuleFilters narrows GetRules. Empty strings and nil pointers match everything.
type RuleFilters struct {
	Vendor              string
	BusinessService     string
	Key                 string
	DeviceModel         string
	ReplacesParentCheck string
	Active              *bool
}

// RecordFilters narrows GetRecords. Results are ordered newest first.
type RecordFilters struct {
	DeviceID    string
	Since       *time.Time
	Until       *time.Time
	IsOnline    *bool
	IsCompliant *bool
	Limit       int
}

func (f RuleFilters) match(r *Rule) bool {
	if f.Vendor != "" && r.Vendor != f.Vendor {
		return false
	}
	if f.BusinessService != "" && r.BusinessService != f.BusinessService {
		return false
	}
	if f.Key != "" && r.Key != f.Key {
		return false
	}
	if f.DeviceModel != "" && r.DeviceModel != f.DeviceModel {
		return false
	}
	if f.ReplacesParentCheck != "" && r.ReplacesParentCheck != f.ReplacesParentCheck {
		return false
	}
	if f.Active != nil && r.Active != *f.Active {
		return false
	}
	return true
}

func (f RecordFilters) match(r *ComplianceRecord) bool {
	if f.DeviceID != "" && r.DeviceID != f.DeviceID {
		return false
	}
	if f.Since != nil && r.Date.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.Date.After(*f.Until) {
		return false
	}
	if f.IsOnline != nil && r.IsOnline != *f.IsOnline {
		return false
	}
	if f.IsCompliant != nil && r.IsCompliant != *f.IsCompliant {
		return false
	}
	return true
}

// Normalize fills the catalog sentinels for rules created without them.
func (r *Rule) Normalize() {
	if r.DeviceModel == "" {
		r.DeviceModel = AllModels
	}
	if r.ReplacesParentCheck == "" {
		r.ReplacesParentCheck = NoParent
	}
}
