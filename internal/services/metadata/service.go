// Package metadata persists the outcome of the last backup run.
package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Service defines the interface for run metadata operations.
type Service interface {
	Read(settings models.MetadataSettings) (*models.RunMetadata, error)
	Write(settings models.MetadataSettings, success bool) (*models.RunMetadata, error)
	Evaluate(meta *models.RunMetadata, backupAge time.Duration) Freshness
}

// Freshness tells whether a new backup is due.
type Freshness struct {
	Due       bool
	Age       time.Duration
	Remaining time.Duration // time until the next backup is due, set when not due
}

// fileFormat is the on-disk representation of models.RunMetadata.
type fileFormat struct {
	Time    int64 `yaml:"time"`
	Success bool  `yaml:"success"`
}

// Impl implements the Service interface.
type Impl struct {
	fs     afero.Fs
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a new metadata service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		fs:     afero.NewOsFs(),
		clock:  clock.WallClock,
		logger: logger,
	}
}

// NewWithDeps creates a new metadata service with custom dependencies (for testing).
func NewWithDeps(logger zerolog.Logger, fsys afero.Fs, clk clock.Clock) *Impl {
	return &Impl{
		fs:     fsys,
		clock:  clk,
		logger: logger,
	}
}

// Read returns the stored metadata, or nil if no run was recorded yet.
func (s *Impl) Read(settings models.MetadataSettings) (*models.RunMetadata, error) {
	raw, err := afero.ReadFile(s.fs, settings.File)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug().Str("file", settings.File).Msg("no metadata file")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	s.logger.Debug().Str("file", settings.File).Msg("reading metadata file")

	var data fileFormat
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse metadata %s: %w", settings.File, err)
	}

	return &models.RunMetadata{
		Time:    time.Unix(data.Time, 0),
		Success: data.Success,
	}, nil
}

// Write stamps the current time and the given outcome.
func (s *Impl) Write(settings models.MetadataSettings, success bool) (*models.RunMetadata, error) {
	meta := &models.RunMetadata{
		Time:    time.Unix(s.clock.Now().Unix(), 0),
		Success: success,
	}

	raw, err := yaml.Marshal(fileFormat{Time: meta.Time.Unix(), Success: meta.Success})
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	if err := s.fs.MkdirAll(filepath.Dir(settings.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	s.logger.Debug().
		Str("file", settings.File).
		Int64("time", meta.Time.Unix()).
		Bool("success", meta.Success).
		Msg("writing metadata")

	if err := afero.WriteFile(s.fs, settings.File, raw, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	return meta, nil
}

// Evaluate decides whether a backup is due given the last run. A recent
// failed run does not block a new attempt.
func (s *Impl) Evaluate(meta *models.RunMetadata, backupAge time.Duration) Freshness {
	if meta == nil || backupAge <= 0 {
		return Freshness{Due: true}
	}

	age := s.clock.Now().Sub(meta.Time).Truncate(time.Second)
	if age > backupAge {
		return Freshness{Due: true, Age: age}
	}

	if !meta.Success {
		s.logger.Warn().
			Str("age", age.String()).
			Msg("last backup is recent but was not successful")
		return Freshness{Due: true, Age: age}
	}

	remaining := backupAge - age
	s.logger.Info().
		Str("age", age.String()).
		Str("next_in", remaining.String()).
		Msg("last backup is recent, skipping")

	return Freshness{Age: age, Remaining: remaining}
}
