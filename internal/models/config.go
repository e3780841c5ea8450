// Package models contains the data structures used throughout goborg-homelab.
package models

import "time"

// Config holds the complete configuration for a backup run.
type Config struct {
	Backup BackupSettings
	Borg   BorgConfig
}

// BackupSettings holds everything deciding whether and what to back up.
type BackupSettings struct {
	Include       []string
	Exclude       []string
	RunConditions RunConditions
	BackupAge     time.Duration // 0 disables the age check
	Metadata      MetadataSettings
	Scan          ScanSettings
	Tries         TrySettings
}

// RunConditions gate whether a backup attempt may start.
type RunConditions struct {
	Battery BatteryCondition
	Network NetworkCondition
}

// BatteryCondition denies runs below a minimum charge.
type BatteryCondition struct {
	MinPercent    int // 0 disables the check
	OrACConnected bool
}

// NetworkCondition denies runs when the repository host is too far away.
type NetworkCondition struct {
	MaxHops int // 0 disables the check
}

// MetadataSettings configures where the last run outcome is stored.
type MetadataSettings struct {
	File string
}

// ScanSettings configures marker file discovery.
type ScanSettings struct {
	Enabled        bool
	Locations      []string
	BackupMarker   string
	NobackupMarker string
	Cache          CacheSettings
	Touch          bool // refresh mtime of discovered markers
	Execute        bool // run executable markers as pre/post hooks
}

// CacheSettings configures the scan result cache.
type CacheSettings struct {
	File      string
	ValidTime time.Duration
}

// TrySettings configures the retry budget of the backup command.
type TrySettings struct {
	Amount int
	Sleep  time.Duration
}

// BorgConfig holds borg repository configuration.
type BorgConfig struct {
	Repository  string
	Compression string
	Args        string            // extra arguments passed verbatim to borg create
	EnvVars     map[string]string // exported in front of every borg invocation
}
