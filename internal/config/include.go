// internal/config/include.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// PartialConfig represents a partial configuration that can be merged
type PartialConfig struct {
	Server        *ServerConfig       `yaml:"server,omitempty"`
	Database      *DatabaseConfig     `yaml:"database,omitempty"`
	Index         *IndexConfig        `yaml:"index,omitempty"`
	Prometheus    *PrometheusConfig   `yaml:"prometheus,omitempty"`
	Logging       *LoggingConfig      `yaml:"logging,omitempty"`
	TSCM          *TSCMConfig         `yaml:"tscm,omitempty"`
	Notifications *NotificationConfig `yaml:"notifications,omitempty"`
	Devices       []DeviceConfig      `yaml:"devices,omitempty"`
	Checks        []CheckConfig       `yaml:"checks,omitempty"`
}

func loadIncludes(config *Config, baseDir string) error {
	includeDir := config.Include.Directory
	if !filepath.IsAbs(includeDir) {
		includeDir = filepath.Join(baseDir, includeDir)
	}

	if _, err := os.Stat(includeDir); os.IsNotExist(err) {
		return fmt.Errorf("include directory does not exist: %s", includeDir)
	}

	pattern := config.Include.Pattern
	if pattern == "" {
		pattern = "*.yaml"
	}

	matches, err := filepath.Glob(filepath.Join(includeDir, pattern))
	if err != nil {
		return fmt.Errorf("failed to glob include pattern: %w", err)
	}

	if pattern == "*.yaml" {
		ymlMatches, err := filepath.Glob(filepath.Join(includeDir, "*.yml"))
		if err != nil {
			return fmt.Errorf("failed to glob .yml files: %w", err)
		}
		matches = append(matches, ymlMatches...)
	}

	sort.Slice(matches, func(i, j int) bool {
		return filepath.Base(matches[i]) < filepath.Base(matches[j])
	})

	for _, match := range matches {
		if err := loadAndMergeInclude(config, match); err != nil {
			return fmt.Errorf("failed to load include file %s: %w", match, err)
		}
	}

	return nil
}

func loadAndMergeInclude(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read include file: %w", err)
	}

	var partial PartialConfig
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("failed to parse include file YAML: %w", err)
	}

	mergePartialConfig(config, &partial)
	return nil
}

func mergePartialConfig(config *Config, partial *PartialConfig) {
	if len(partial.Devices) > 0 {
		config.Devices = append(config.Devices, partial.Devices...)
	}
	if len(partial.Checks) > 0 {
		mergeChecks(config, partial.Checks)
	}

	if partial.Server != nil {
		mergeServerConfig(&config.Server, partial.Server)
	}
	if partial.Database != nil {
		mergeDatabaseConfig(&config.Database, partial.Database)
	}
	if partial.Index != nil {
		config.Index = *partial.Index
	}
	if partial.Prometheus != nil {
		config.Prometheus.Enabled = partial.Prometheus.Enabled
		if partial.Prometheus.MetricsPath != "" {
			config.Prometheus.MetricsPath = partial.Prometheus.MetricsPath
		}
	}
	if partial.Logging != nil {
		if partial.Logging.Level != "" {
			config.Logging.Level = partial.Logging.Level
		}
		if partial.Logging.Format != "" {
			config.Logging.Format = partial.Logging.Format
		}
	}
	if partial.TSCM != nil {
		mergeTSCMConfig(&config.TSCM, partial.TSCM)
	}
	if partial.Notifications != nil {
		mergeNotificationConfig(&config.Notifications, partial.Notifications)
	}
}

// mergeChecks replaces checks that share an id and appends the rest. Checks
// without an id are matched on the id setDefaults would give them.
func mergeChecks(config *Config, newChecks []CheckConfig) {
	existing := make(map[string]int)
	for i, check := range config.Checks {
		existing[checkIdentity(check)] = i
	}

	for _, check := range newChecks {
		id := checkIdentity(check)
		if i, ok := existing[id]; ok {
			config.Checks[i] = check
			continue
		}
		config.Checks = append(config.Checks, check)
		existing[id] = len(config.Checks) - 1
	}
}

func checkIdentity(check CheckConfig) string {
	if check.ID != "" {
		return check.ID
	}
	model := check.DeviceModel
	if model == "" {
		model = "All"
	}
	return check.Vendor + "/" + check.BusinessService + "/" + model + "/" + check.Key
}

func mergeServerConfig(main *ServerConfig, partial *ServerConfig) {
	if partial.Port != "" {
		main.Port = partial.Port
	}
	if partial.ReadTimeout != 0 {
		main.ReadTimeout = partial.ReadTimeout
	}
	if partial.WriteTimeout != 0 {
		main.WriteTimeout = partial.WriteTimeout
	}
}

func mergeDatabaseConfig(main *DatabaseConfig, partial *DatabaseConfig) {
	if partial.Path != "" {
		main.Path = partial.Path
	}
	if partial.CleanupInterval != 0 {
		main.CleanupInterval = partial.CleanupInterval
	}
	if partial.HistoryRetention != 0 {
		main.HistoryRetention = partial.HistoryRetention
	}
}

func mergeTSCMConfig(main *TSCMConfig, partial *TSCMConfig) {
	if partial.MinimumConfigAge != nil {
		main.MinimumConfigAge = partial.MinimumConfigAge
	}
	if partial.MaximumConfigAge != nil {
		main.MaximumConfigAge = partial.MaximumConfigAge
	}
	if partial.ConfigAge != nil {
		main.ConfigAge = partial.ConfigAge
	}
	if partial.ConfigAgeMode != "" {
		main.ConfigAgeMode = partial.ConfigAgeMode
	}
	if partial.ConfigStore != "" {
		main.ConfigStore = partial.ConfigStore
	}
	if partial.PerDeviceDirs {
		main.PerDeviceDirs = true
	}
	if partial.RuleTimeout != 0 {
		main.RuleTimeout = partial.RuleTimeout
	}
	if partial.RuleMaxSteps != 0 {
		main.RuleMaxSteps = partial.RuleMaxSteps
	}
	if partial.Workers != 0 {
		main.Workers = partial.Workers
	}
	if partial.ScheduleInterval != 0 {
		main.ScheduleInterval = partial.ScheduleInterval
	}
	if partial.RecordHistory != nil {
		main.RecordHistory = partial.RecordHistory
	}
}

func mergeNotificationConfig(main *NotificationConfig, partial *NotificationConfig) {
	main.Enabled = partial.Enabled
	if partial.Transport != "" {
		main.Transport = partial.Transport
	}
	if partial.JobTimeout != 0 {
		main.JobTimeout = partial.JobTimeout
	}
	if partial.Subject != "" {
		main.Subject = partial.Subject
	}
	if len(partial.Recipients) > 0 {
		main.Recipients = partial.Recipients
	}
	if partial.Template != "" {
		main.Template = partial.Template
	}
	if partial.NATS.URL != "" {
		main.NATS = partial.NATS
	}
	if partial.Mail.Server != "" {
		main.Mail = partial.Mail
	}
}
