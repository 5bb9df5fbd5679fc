// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	AgeModeFixed = "fixed"
	AgeModeMtime = "mtime"

	TransportMemory = "memory"
	TransportNATS   = "nats"
)

type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Database      DatabaseConfig     `yaml:"database"`
	Index         IndexConfig        `yaml:"index"`
	Prometheus    PrometheusConfig   `yaml:"prometheus"`
	Logging       LoggingConfig      `yaml:"logging"`
	TSCM          TSCMConfig         `yaml:"tscm"`
	Notifications NotificationConfig `yaml:"notifications"`
	Devices       []DeviceConfig     `yaml:"devices"`
	Checks        []CheckConfig      `yaml:"checks"`
	Include       IncludeConfig      `yaml:"include"`
}

type IncludeConfig struct {
	Directory string `yaml:"directory"`
	Pattern   string `yaml:"pattern"`
	Enabled   bool   `yaml:"enabled"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path             string        `yaml:"path"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// IndexConfig controls where run documents are flushed for search.
type IndexConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TSCMConfig drives compliance runs. Ages are in days. The age fields are
// pointers so an explicit 0 survives defaulting.
type TSCMConfig struct {
	MinimumConfigAge *int          `yaml:"minimum_config_age"`
	MaximumConfigAge *int          `yaml:"maximum_config_age"`
	ConfigAge        *int          `yaml:"config_age"`
	ConfigAgeMode    string        `yaml:"config_age_mode"`
	ConfigStore      string        `yaml:"config_store"`
	PerDeviceDirs    bool          `yaml:"per_device_dirs"`
	RuleTimeout      time.Duration `yaml:"rule_timeout"`
	RuleMaxSteps     uint64        `yaml:"rule_max_steps"`
	Workers          int           `yaml:"workers"`
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	RecordHistory    *bool         `yaml:"record_history"`
}

func (t TSCMConfig) MinimumAge() int { return intOr(t.MinimumConfigAge, 2) }
func (t TSCMConfig) MaximumAge() int { return intOr(t.MaximumConfigAge, 30) }
func (t TSCMConfig) FixedAge() int   { return intOr(t.ConfigAge, 2) }

func (t TSCMConfig) ShouldRecordHistory() bool {
	return t.RecordHistory == nil || *t.RecordHistory
}

type NotificationConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Transport  string        `yaml:"transport"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	Subject    string        `yaml:"subject"`
	Recipients []string      `yaml:"recipients"`
	Template   string        `yaml:"template"`
	QueueSize  int           `yaml:"queue_size"`
	Workers    int           `yaml:"workers"`
	NATS       NATSConfig    `yaml:"nats"`
	Mail       MailConfig    `yaml:"mail"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Consumer      string `yaml:"consumer"`
}

type MailConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// DeviceConfig seeds one CPE into the device directory.
type DeviceConfig struct {
	ID              string `yaml:"id"`
	Routername      string `yaml:"routername"`
	MgmtIP          string `yaml:"mgmt_ip"`
	OS              string `yaml:"os"`
	Vendor          string `yaml:"vendor"`
	BusinessService string `yaml:"business_service"`
	DeviceModel     string `yaml:"device_model"`
	Online          *bool  `yaml:"online"`
}

func (d DeviceConfig) IsOnline() bool {
	return d.Online == nil || *d.Online
}

// CheckConfig seeds one rule into the catalog. Body may be given inline
// or as a file relative to the main config file.
type CheckConfig struct {
	ID                  string `yaml:"id"`
	Key                 string `yaml:"key"`
	Vendor              string `yaml:"vendor"`
	BusinessService     string `yaml:"business_service"`
	DeviceModel         string `yaml:"device_model"`
	ReplacesParentCheck string `yaml:"replaces_parent_check"`
	HasChildChecks      bool   `yaml:"has_child_checks"`
	Remediation         string `yaml:"remediation"`
	Body                string `yaml:"body"`
	BodyFile            string `yaml:"body_file"`
	Active              *bool  `yaml:"active"`
}

func (c CheckConfig) IsActive() bool {
	return c.Active == nil || *c.Active
}

func Load(filename string) (*Config, error) {
	config, err := loadConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load main config file: %w", err)
	}

	baseDir := filepath.Dir(filename)
	if config.Include.Enabled && config.Include.Directory != "" {
		if err := loadIncludes(config, baseDir); err != nil {
			return nil, fmt.Errorf("failed to load includes: %w", err)
		}
	}

	setDefaults(config)

	if err := loadCheckBodies(config, baseDir); err != nil {
		return nil, err
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

func loadCheckBodies(cfg *Config, baseDir string) error {
	for i := range cfg.Checks {
		check := &cfg.Checks[i]
		if check.BodyFile == "" || check.Body != "" {
			continue
		}
		path := check.BodyFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read body of check %s: %w", check.ID, err)
		}
		check.Body = string(data)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/tscm.db"
	}
	if cfg.Database.CleanupInterval == 0 {
		cfg.Database.CleanupInterval = 24 * time.Hour
	}
	if cfg.Index.Path == "" {
		cfg.Index.Path = "./data/tscm.bleve"
	}

	if cfg.Include.Pattern == "" {
		cfg.Include.Pattern = "*.yaml"
	}
	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	t := &cfg.TSCM
	t.MinimumConfigAge = intPtrOr(t.MinimumConfigAge, 2)
	t.MaximumConfigAge = intPtrOr(t.MaximumConfigAge, 30)
	t.ConfigAge = intPtrOr(t.ConfigAge, 2)
	if t.ConfigAgeMode == "" {
		t.ConfigAgeMode = AgeModeFixed
	}
	if t.ConfigStore == "" {
		t.ConfigStore = "./configs"
	}
	if t.RuleTimeout == 0 {
		t.RuleTimeout = 5 * time.Second
	}
	if t.RuleMaxSteps == 0 {
		t.RuleMaxSteps = 1_000_000
	}
	if t.Workers == 0 {
		t.Workers = 8
	}

	n := &cfg.Notifications
	if n.Transport == "" {
		n.Transport = TransportMemory
	}
	if n.JobTimeout == 0 {
		n.JobTimeout = 60 * time.Second
	}
	if n.Subject == "" {
		n.Subject = "TSCM compliance report"
	}
	if n.Template == "" {
		n.Template = "tscm_email_template.html"
	}
	if n.QueueSize == 0 {
		n.QueueSize = 100
	}
	if n.Workers == 0 {
		n.Workers = 2
	}
	if n.Mail.Port == 0 {
		n.Mail.Port = 25
	}

	for i := range cfg.Devices {
		if cfg.Devices[i].DeviceModel == "" {
			cfg.Devices[i].DeviceModel = "All"
		}
	}
	for i := range cfg.Checks {
		c := &cfg.Checks[i]
		if c.DeviceModel == "" {
			c.DeviceModel = "All"
		}
		if c.ReplacesParentCheck == "" {
			c.ReplacesParentCheck = "None"
		}
		if c.ID == "" {
			c.ID = strings.Join([]string{c.Vendor, c.BusinessService, c.DeviceModel, c.Key}, "/")
		}
	}
}

func validate(cfg *Config) error {
	if _, err := logrus.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json")
	}

	t := cfg.TSCM
	if t.MinimumAge() < 0 {
		return fmt.Errorf("tscm.minimum_config_age must be >= 0")
	}
	if t.MaximumAge() < t.MinimumAge() {
		return fmt.Errorf("tscm.maximum_config_age must be >= tscm.minimum_config_age")
	}
	if t.FixedAge() < 0 {
		return fmt.Errorf("tscm.config_age must be >= 0")
	}
	if t.ConfigAgeMode != AgeModeFixed && t.ConfigAgeMode != AgeModeMtime {
		return fmt.Errorf("tscm.config_age_mode must be %s or %s", AgeModeFixed, AgeModeMtime)
	}
	if t.Workers < 1 {
		return fmt.Errorf("tscm.workers must be at least 1")
	}
	if t.ScheduleInterval < 0 {
		return fmt.Errorf("tscm.schedule_interval must not be negative")
	}

	n := cfg.Notifications
	if n.Transport != TransportMemory && n.Transport != TransportNATS {
		return fmt.Errorf("notifications.transport must be %s or %s", TransportMemory, TransportNATS)
	}
	if n.Enabled {
		if n.Transport == TransportNATS && n.NATS.URL == "" {
			return fmt.Errorf("notifications.nats.url is required for the nats transport")
		}
		if n.Mail.Server == "" {
			return fmt.Errorf("notifications.mail.server is required when notifications are enabled")
		}
		if n.Mail.From == "" {
			return fmt.Errorf("notifications.mail.from is required when notifications are enabled")
		}
	}

	if cfg.Include.Enabled {
		if cfg.Include.Directory == "" {
			return fmt.Errorf("include.directory must be specified when include.enabled is true")
		}
		if !isValidGlobPattern(cfg.Include.Pattern) {
			return fmt.Errorf("include.pattern contains invalid glob pattern: %s", cfg.Include.Pattern)
		}
	}

	deviceIDs := make(map[string]bool)
	for _, device := range cfg.Devices {
		if device.ID == "" {
			return fmt.Errorf("device without id")
		}
		if deviceIDs[device.ID] {
			return fmt.Errorf("duplicate device ID: %s", device.ID)
		}
		if device.Vendor == "" || device.BusinessService == "" {
			return fmt.Errorf("device '%s' must name vendor and business_service", device.ID)
		}
		deviceIDs[device.ID] = true
	}

	checkIDs := make(map[string]bool)
	for _, check := range cfg.Checks {
		if check.Vendor == "" || check.BusinessService == "" || check.Key == "" {
			return fmt.Errorf("check '%s' must name vendor, business_service and key", check.ID)
		}
		if checkIDs[check.ID] {
			return fmt.Errorf("duplicate check ID: %s", check.ID)
		}
		checkIDs[check.ID] = true
	}

	return nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func intPtrOr(v *int, def int) *int {
	if v != nil {
		return v
	}
	return &def
}

// isValidGlobPattern checks if a string is a valid glob pattern
func isValidGlobPattern(pattern string) bool {
	if strings.Contains(pattern, "/") || strings.Contains(pattern, "\\") {
		return false
	}
	_, err := filepath.Match(pattern, "test.yaml")
	return err == nil
}
