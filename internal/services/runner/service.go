// Package runner orchestrates the backup workflow.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/fgeck/goborg-homelab/internal/services/borg"
	"github.com/fgeck/goborg-homelab/internal/services/conditions"
	"github.com/fgeck/goborg-homelab/internal/services/hooks"
	"github.com/fgeck/goborg-homelab/internal/services/metadata"
	"github.com/fgeck/goborg-homelab/internal/services/retry"
	"github.com/fgeck/goborg-homelab/internal/services/scan"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Options modify a single run.
type Options struct {
	Force bool // skip run conditions and the backup age check
}

// Service defines the interface for the backup runner.
type Service interface {
	Run(ctx context.Context, cfg models.Config, opts Options) (*models.RunResult, error)
}

// Impl implements the runner Service interface.
type Impl struct {
	conditionsSvc conditions.Service
	metadataSvc   metadata.Service
	scanSvc       scan.Service
	hooksSvc      hooks.Service
	borgSvc       borg.Service
	retrySvc      retry.Service
	clock         clock.Clock
	logger        zerolog.Logger
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	borgSvc := borg.New(logger)
	metadataSvc := metadata.New(logger)

	return &Impl{
		conditionsSvc: conditions.New(logger),
		metadataSvc:   metadataSvc,
		scanSvc:       scan.New(logger),
		hooksSvc:      hooks.New(logger),
		borgSvc:       borgSvc,
		retrySvc:      retry.New(logger, borgSvc, metadataSvc),
		clock:         clock.WallClock,
		logger:        logger,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	conditionsSvc conditions.Service,
	metadataSvc metadata.Service,
	scanSvc scan.Service,
	hooksSvc hooks.Service,
	borgSvc borg.Service,
	retrySvc retry.Service,
	clk clock.Clock,
) *Impl {
	return &Impl{
		conditionsSvc: conditionsSvc,
		metadataSvc:   metadataSvc,
		scanSvc:       scanSvc,
		hooksSvc:      hooksSvc,
		borgSvc:       borgSvc,
		retrySvc:      retrySvc,
		clock:         clk,
		logger:        logger,
	}
}

// Run executes the complete backup workflow. Denied conditions, a backup
// that is not due yet and exhausted retries are reported through the
// result; errors are reserved for hook failures and broken state files.
//
//nolint:gocognit,gocyclo // backup workflow has multiple steps
func (s *Impl) Run(ctx context.Context, cfg models.Config, opts Options) (*models.RunResult, error) {
	startTime := s.clock.Now()

	s.logger.Info().
		Str("repository", cfg.Borg.Repository).
		Bool("force", opts.Force).
		Msg("starting backup run")

	// Step 1: Run conditions and backup age
	if opts.Force {
		s.logger.Warn().Msg("forced run, ignoring run conditions and backup age")
	} else {
		decision, err := s.conditionsSvc.Evaluate(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("run conditions failed: %w", err)
		}
		if !decision.Permitted {
			s.logger.Error().Str("reason", decision.Reason).Msg("run conditions not met")
			return s.finish(models.RunDenied, decision.Reason, startTime), nil
		}

		meta, err := s.metadataSvc.Read(cfg.Backup.Metadata)
		if err != nil {
			return nil, err
		}
		if freshness := s.metadataSvc.Evaluate(meta, cfg.Backup.BackupAge); !freshness.Due {
			reason := fmt.Sprintf("last backup is %s old, next backup in %s", freshness.Age, freshness.Remaining)
			return s.finish(models.RunNotDue, reason, startTime), nil
		}
	}

	include := append([]string{}, cfg.Backup.Include...)
	exclude := append([]string{}, cfg.Backup.Exclude...)

	// Step 2: Marker scan and hooks
	if cfg.Backup.Scan.Enabled {
		scanned, err := s.scanSvc.Resolve(ctx, cfg.Backup.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		markers := scanned.Files()

		if cfg.Backup.Scan.Touch {
			if err := s.scanSvc.Touch(markers); err != nil {
				s.logger.Warn().Err(err).Msg("failed to touch marker files")
			}
		}

		if cfg.Backup.Scan.Execute {
			executed, err := s.hooksSvc.RunPre(ctx, markers)
			if err != nil {
				return nil, err
			}
			defer s.hooksSvc.RunPost(ctx, executed)
		}

		include = append(include, scan.Dirs(scanned.Include)...)
		exclude = append(exclude, scan.Dirs(scanned.Exclude)...)
	}

	// Step 3: Backup
	command := s.borgSvc.CreateCommand(cfg.Borg, include, exclude)

	retryResult, err := s.retrySvc.Run(ctx, cfg, command)
	if err != nil {
		return nil, err
	}

	status := models.RunFailed
	if retryResult.Succeeded {
		status = models.RunSucceeded
	}

	result := s.finish(status, "", startTime)
	result.Attempts = len(retryResult.Attempts)

	s.logger.Info().
		Str("status", string(result.Status)).
		Int("attempts", result.Attempts).
		Dur("duration", result.Duration).
		Msg("backup run finished")

	return result, nil
}

func (s *Impl) finish(status models.RunStatus, reason string, startTime time.Time) *models.RunResult {
	return &models.RunResult{
		Status:   status,
		Reason:   reason,
		Duration: s.clock.Now().Sub(startTime),
	}
}
