// Package scan discovers directories tagged with marker files.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Service defines the interface for marker scanning.
type Service interface {
	Resolve(ctx context.Context, settings models.ScanSettings) (*models.ScanResult, error)
	Touch(files []string) error
}

// Finder lists regular files below root whose base name matches pattern.
type Finder interface {
	Find(ctx context.Context, root, pattern string) ([]string, error)
}

// DefaultFinder walks an afero filesystem.
type DefaultFinder struct {
	fs afero.Fs
}

// NewFinder creates a finder on the given filesystem.
func NewFinder(fsys afero.Fs) *DefaultFinder {
	return &DefaultFinder{fs: fsys}
}

// Find walks root in lexical order. Unreadable subtrees are skipped.
func (f *DefaultFinder) Find(ctx context.Context, root, pattern string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid marker pattern %q: %w", pattern, err)
	}

	var found []string
	err := afero.Walk(f.fs, root, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, info.Name()); ok {
			found = append(found, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return found, err
	}

	return found, nil
}

// cacheFormat is the on-disk representation of models.ScanResult.
type cacheFormat struct {
	Time    int64    `yaml:"time"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Impl implements the Service interface.
type Impl struct {
	fs     afero.Fs
	finder Finder
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a new scan service.
func New(logger zerolog.Logger) *Impl {
	fsys := afero.NewOsFs()
	return &Impl{
		fs:     fsys,
		finder: NewFinder(fsys),
		clock:  clock.WallClock,
		logger: logger,
	}
}

// NewWithDeps creates a new scan service with custom dependencies (for testing).
func NewWithDeps(logger zerolog.Logger, fsys afero.Fs, finder Finder, clk clock.Clock) *Impl {
	return &Impl{
		fs:     fsys,
		finder: finder,
		clock:  clk,
		logger: logger,
	}
}

// Resolve returns the cached markers while the cache is fresh and scans
// all locations otherwise. A fresh scan always overwrites the cache.
func (s *Impl) Resolve(ctx context.Context, settings models.ScanSettings) (*models.ScanResult, error) {
	cached, err := s.readCache(settings.Cache)
	if err != nil {
		return nil, err
	}
	if cached != nil && settings.Cache.ValidTime > 0 {
		age := s.clock.Now().Sub(cached.Time).Truncate(time.Second)
		s.logger.Debug().Str("age", age.String()).Msg("cache file found")

		if age <= settings.Cache.ValidTime {
			s.logger.Info().Str("age", age.String()).Msg("using scan cache")
			return cached, nil
		}
	}

	result, err := s.scan(ctx, settings)
	if err != nil {
		return nil, err
	}

	if err := s.writeCache(settings.Cache, result); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int("include", len(result.Include)).
		Int("exclude", len(result.Exclude)).
		Msg("scan finished")

	return result, nil
}

func (s *Impl) scan(ctx context.Context, settings models.ScanSettings) (*models.ScanResult, error) {
	s.logger.Info().
		Str("backup", settings.BackupMarker).
		Str("nobackup", settings.NobackupMarker).
		Msg("scanning for marked folders")

	result := &models.ScanResult{
		Include: []string{},
		Exclude: []string{},
	}

	for _, location := range settings.Locations {
		s.logger.Debug().Str("location", location).Msg("scanning")

		include, err := s.finder.Find(ctx, location, settings.BackupMarker)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", location, err)
		}
		exclude, err := s.finder.Find(ctx, location, settings.NobackupMarker)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", location, err)
		}

		if len(include) > 0 {
			s.logger.Debug().Strs("include", include).Msg("markers found")
		}
		if len(exclude) > 0 {
			s.logger.Debug().Strs("exclude", exclude).Msg("markers found")
		}

		result.Include = append(result.Include, include...)
		result.Exclude = append(result.Exclude, exclude...)
	}

	result.Time = time.Unix(s.clock.Now().Unix(), 0)
	return result, nil
}

func (s *Impl) readCache(settings models.CacheSettings) (*models.ScanResult, error) {
	raw, err := afero.ReadFile(s.fs, settings.File)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scan cache: %w", err)
	}

	var data cacheFormat
	if err := yaml.Unmarshal(raw, &data); err != nil {
		// A broken cache is rebuilt by the next scan.
		s.logger.Warn().Err(err).Str("file", settings.File).Msg("ignoring unreadable scan cache")
		return nil, nil
	}

	return &models.ScanResult{
		Time:    time.Unix(data.Time, 0),
		Include: nonNil(data.Include),
		Exclude: nonNil(data.Exclude),
	}, nil
}

func (s *Impl) writeCache(settings models.CacheSettings, result *models.ScanResult) error {
	raw, err := yaml.Marshal(cacheFormat{
		Time:    result.Time.Unix(),
		Include: result.Include,
		Exclude: result.Exclude,
	})
	if err != nil {
		return fmt.Errorf("failed to encode scan cache: %w", err)
	}

	if err := s.fs.MkdirAll(filepath.Dir(settings.File), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	s.logger.Debug().Str("file", settings.File).Msg("writing scan cache")
	if err := afero.WriteFile(s.fs, settings.File, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write scan cache: %w", err)
	}
	return nil
}

// Touch refreshes the modification time of every existing regular file.
func (s *Impl) Touch(files []string) error {
	now := s.clock.Now()
	for _, file := range files {
		info, err := s.fs.Stat(file)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := s.fs.Chtimes(file, now, now); err != nil {
			return fmt.Errorf("failed to touch %s: %w", file, err)
		}
	}
	return nil
}

// Dirs maps marker files to the directories they tag.
func Dirs(files []string) []string {
	dirs := make([]string, len(files))
	for i, file := range files {
		dirs[i] = filepath.Dir(file)
	}
	return dirs
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
