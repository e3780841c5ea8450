// Package retry runs the backup command with a bounded number of attempts.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/fgeck/goborg-homelab/internal/services/metadata"
	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"
	"github.com/rs/zerolog"
)

// minDelay stands in for a configured sleep of zero.
const minDelay = time.Millisecond

// Service defines the interface for the retry executor.
type Service interface {
	Run(ctx context.Context, cfg models.Config, command string) (*models.RetryResult, error)
}

// CommandRunner runs an opaque shell command and returns its exit code.
type CommandRunner interface {
	RunShell(ctx context.Context, command string) (int, error)
}

// ExitError is returned by an attempt whose command exited non-zero.
type ExitError struct {
	Attempt  int
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("attempt %d exited with code %d", e.Attempt, e.ExitCode)
}

// Impl implements the Service interface.
type Impl struct {
	runner   CommandRunner
	metadata metadata.Service
	clock    clock.Clock
	logger   zerolog.Logger
}

// New creates a new retry executor.
func New(logger zerolog.Logger, runner CommandRunner, metadataSvc metadata.Service) *Impl {
	return NewWithClock(logger, runner, metadataSvc, clock.WallClock)
}

// NewWithClock creates a new retry executor with a custom clock (for testing).
func NewWithClock(logger zerolog.Logger, runner CommandRunner, metadataSvc metadata.Service, clk clock.Clock) *Impl {
	return &Impl{
		runner:   runner,
		metadata: metadataSvc,
		clock:    clk,
		logger:   logger,
	}
}

// Run records a failed run, then makes Tries.Amount-1 attempts to run
// command, sleeping Tries.Sleep between them. Success is recorded after
// the first zero exit code. Running out of attempts is not an error: the
// failure is logged and the metadata keeps saying failed.
func (s *Impl) Run(ctx context.Context, cfg models.Config, command string) (*models.RetryResult, error) {
	start := s.clock.Now()
	result := &models.RetryResult{}

	if _, err := s.metadata.Write(cfg.Backup.Metadata, false); err != nil {
		return nil, fmt.Errorf("failed to record backup start: %w", err)
	}

	attempts := cfg.Backup.Tries.Amount - 1
	delay := cfg.Backup.Tries.Sleep
	if delay <= 0 {
		delay = minDelay
	}

	s.logger.Info().
		Int("attempts", attempts).
		Str("sleep", cfg.Backup.Tries.Sleep.String()).
		Str("delay", delay.String()).
		Msg("running backup")

	if attempts < 1 {
		result.Duration = s.clock.Now().Sub(start)
		s.logger.WithLevel(zerolog.FatalLevel).
			Int("tries", cfg.Backup.Tries.Amount).
			Msg("backup completely failed, no attempts scheduled")
		return result, nil
	}

	err := jujuretry.Call(jujuretry.CallArgs{
		Func: func() error {
			return s.attempt(ctx, command, result)
		},
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			event := s.logger.Error().Err(err).Int("attempt", attempt)
			if attempt < attempts {
				event = event.Str("retry_in", cfg.Backup.Tries.Sleep.String())
			}
			event.Msg("backup failed")
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    s.clock,
		Stop:     ctx.Done(),
	})
	result.Duration = s.clock.Now().Sub(start)

	switch {
	case err == nil:
		result.Succeeded = true
		s.logger.Info().
			Int("attempts", len(result.Attempts)).
			Dur("duration", result.Duration).
			Msg("backup successful")
		if _, err := s.metadata.Write(cfg.Backup.Metadata, true); err != nil {
			return result, fmt.Errorf("failed to record backup success: %w", err)
		}
		return result, nil

	case ctx.Err() != nil:
		return result, fmt.Errorf("backup interrupted: %w", ctx.Err())

	case jujuretry.IsAttemptsExceeded(err):
		s.logger.WithLevel(zerolog.FatalLevel).
			Int("attempts", len(result.Attempts)).
			Dur("duration", result.Duration).
			Msg("backup completely failed")
		return result, nil

	default:
		return result, fmt.Errorf("backup failed: %w", err)
	}
}

func (s *Impl) attempt(ctx context.Context, command string, result *models.RetryResult) error {
	outcome := models.ExecutionOutcome{Attempt: len(result.Attempts) + 1}
	s.logger.Debug().Int("attempt", outcome.Attempt).Msg("starting attempt")

	code, err := s.runner.RunShell(ctx, command)
	outcome.ExitCode = code
	outcome.Succeeded = err == nil && code == 0
	result.Attempts = append(result.Attempts, outcome)

	s.logger.Debug().
		Int("attempt", outcome.Attempt).
		Int("exit_code", outcome.ExitCode).
		Msg("attempt finished")

	if err != nil {
		return fmt.Errorf("attempt %d: %w", outcome.Attempt, err)
	}
	if code != 0 {
		return &ExitError{Attempt: outcome.Attempt, ExitCode: code}
	}
	return nil
}
