// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/spf13/viper"
)

// DefaultConfigFile is used when no config path is given.
const DefaultConfigFile = "backup.conf"

// Defaults applied when the corresponding keys are absent.
const (
	DefaultCompression    = "lz4"
	DefaultTries          = 2
	DefaultBackupMarker   = ".backup"
	DefaultNobackupMarker = ".nobackup"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse(path)
}

// LoadReader loads configuration from a reader (useful for testing).
// State file defaults are derived from DefaultConfigFile.
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse(DefaultConfigFile)
}

func (p *Parser) parse(configPath string) (*models.Config, error) {
	cfg := &models.Config{}

	// Parse borg config (required).
	cfg.Borg = models.BorgConfig{
		Repository:  p.expandEnv(p.v.GetString("borg.repository")),
		Compression: p.v.GetString("borg.compression"),
		Args:        p.v.GetString("borg.args"),
		EnvVars:     map[string]string{},
	}

	if cfg.Borg.Repository == "" {
		return nil, fmt.Errorf("borg.repository is required")
	}
	if cfg.Borg.Compression == "" {
		cfg.Borg.Compression = DefaultCompression
	}

	// viper lower-cases map keys, environment variables are upper case by convention.
	for name, value := range p.v.GetStringMapString("borg.env-vars") {
		cfg.Borg.EnvVars[strings.ToUpper(name)] = p.expandEnv(value)
	}

	// Parse static include/exclude sets.
	cfg.Backup.Include = p.v.GetStringSlice("backup.include")
	cfg.Backup.Exclude = p.v.GetStringSlice("backup.exclude")

	// Parse run conditions. Absent thresholds stay 0, which disables them.
	cfg.Backup.RunConditions = models.RunConditions{
		Battery: models.BatteryCondition{
			MinPercent:    p.v.GetInt("backup.run-conditions.battery.min-percent"),
			OrACConnected: p.v.GetBool("backup.run-conditions.battery.or_ac-connected"),
		},
		Network: models.NetworkCondition{
			MaxHops: p.v.GetInt("backup.run-conditions.network.max_hops"),
		},
	}

	cfg.Backup.BackupAge = p.seconds("backup.backup-age")

	// Parse metadata settings.
	cfg.Backup.Metadata.File = p.expandEnv(p.v.GetString("backup.metadata.file"))
	if cfg.Backup.Metadata.File == "" {
		cfg.Backup.Metadata.File = configPath + ".data"
	}

	// Parse scan settings.
	cfg.Backup.Scan = models.ScanSettings{
		Enabled:        p.v.GetBool("backup.scan.enabled"),
		Locations:      p.expandEnvAll(p.v.GetStringSlice("backup.scan.locations")),
		BackupMarker:   p.v.GetString("backup.scan.backup"),
		NobackupMarker: p.v.GetString("backup.scan.nobackup"),
		Cache: models.CacheSettings{
			File:      p.expandEnv(p.v.GetString("backup.scan.cache.file")),
			ValidTime: p.seconds("backup.scan.cache.valid-time"),
		},
		Touch:   p.v.GetBool("backup.scan.touch"),
		Execute: p.v.GetBool("backup.scan.execute"),
	}

	if cfg.Backup.Scan.BackupMarker == "" {
		cfg.Backup.Scan.BackupMarker = DefaultBackupMarker
	}
	if cfg.Backup.Scan.NobackupMarker == "" {
		cfg.Backup.Scan.NobackupMarker = DefaultNobackupMarker
	}
	if cfg.Backup.Scan.Cache.File == "" {
		cfg.Backup.Scan.Cache.File = configPath + ".cache"
	}

	// Parse retry settings.
	cfg.Backup.Tries = models.TrySettings{
		Amount: p.v.GetInt("backup.tries.amount"),
		Sleep:  p.seconds("backup.tries.sleep"),
	}
	if !p.v.IsSet("backup.tries.amount") {
		cfg.Backup.Tries.Amount = DefaultTries
	}

	return cfg, nil
}

// seconds reads an integer number of seconds.
func (p *Parser) seconds(key string) time.Duration {
	return time.Duration(p.v.GetInt64(key)) * time.Second
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

func (p *Parser) expandEnvAll(values []string) []string {
	for i, value := range values {
		values[i] = p.expandEnv(value)
	}
	return values
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Borg.Repository == "" {
		return fmt.Errorf("borg.repository is required")
	}

	thresholds := []struct {
		key   string
		value int64
	}{
		{"backup.run-conditions.battery.min-percent", int64(cfg.Backup.RunConditions.Battery.MinPercent)},
		{"backup.run-conditions.network.max_hops", int64(cfg.Backup.RunConditions.Network.MaxHops)},
		{"backup.backup-age", int64(cfg.Backup.BackupAge)},
		{"backup.scan.cache.valid-time", int64(cfg.Backup.Scan.Cache.ValidTime)},
		{"backup.tries.amount", int64(cfg.Backup.Tries.Amount)},
		{"backup.tries.sleep", int64(cfg.Backup.Tries.Sleep)},
	}
	for _, threshold := range thresholds {
		if threshold.value < 0 {
			return fmt.Errorf("%s must not be negative", threshold.key)
		}
	}

	if cfg.Backup.RunConditions.Battery.MinPercent > 100 {
		return fmt.Errorf("backup.run-conditions.battery.min-percent must be at most 100")
	}

	if cfg.Backup.Metadata.File == "" {
		return fmt.Errorf("backup.metadata.file is required")
	}

	if cfg.Backup.Scan.Enabled && len(cfg.Backup.Scan.Locations) == 0 {
		return fmt.Errorf("backup.scan.locations is required when scan is enabled")
	}

	return nil
}
