// Package hooks runs executable marker files around a backup.
package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Hook phases passed as the single argument to every script.
const (
	PhasePre  = "pre"
	PhasePost = "post"
)

// Service defines the interface for hook operations.
type Service interface {
	RunPre(ctx context.Context, files []string) ([]string, error)
	RunPost(ctx context.Context, executed []string)
}

// ScriptExecutor allows mocking script execution in tests.
type ScriptExecutor interface {
	Run(ctx context.Context, path, phase string) error
}

// DefaultExecutor runs scripts with the process' stdio attached.
type DefaultExecutor struct{}

// Run executes path with phase as its only argument.
func (e *DefaultExecutor) Run(ctx context.Context, path, phase string) error {
	cmd := exec.CommandContext(ctx, path, phase) //nolint:gosec // hook paths come from the operator's scan roots
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// HookFailure is returned when a pre hook exits non-zero.
type HookFailure struct {
	Path string
	Err  error
}

func (e *HookFailure) Error() string {
	return fmt.Sprintf("pre hook %s failed: %v", e.Path, e.Err)
}

func (e *HookFailure) Unwrap() error {
	return e.Err
}

// Impl implements the Service interface.
type Impl struct {
	fs       afero.Fs
	executor ScriptExecutor
	logger   zerolog.Logger
}

// New creates a new hooks service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		fs:       afero.NewOsFs(),
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithDeps creates a new hooks service with custom dependencies (for testing).
func NewWithDeps(logger zerolog.Logger, fsys afero.Fs, executor ScriptExecutor) *Impl {
	return &Impl{
		fs:       fsys,
		executor: executor,
		logger:   logger,
	}
}

// RunPre runs every qualifying file with "pre" and returns the ones that ran.
// On the first failure the already executed files get their post run and a
// *HookFailure is returned.
func (s *Impl) RunPre(ctx context.Context, files []string) ([]string, error) {
	s.logger.Info().Msg("running pre hooks")

	executed := []string{}
	for _, file := range files {
		if !s.qualifies(file) {
			continue
		}

		s.logger.Info().Str("hook", file).Msg("pre")
		if err := s.executor.Run(ctx, file, PhasePre); err != nil {
			s.logger.Error().Err(err).Str("hook", file).Msg("pre hook failed, cannot continue")
			s.RunPost(ctx, executed)
			return nil, &HookFailure{Path: file, Err: err}
		}
		executed = append(executed, file)
	}

	return executed, nil
}

// RunPost runs every file with "post". Failures are logged and do not stop
// the remaining hooks. Post hooks still run after ctx is cancelled.
func (s *Impl) RunPost(ctx context.Context, executed []string) {
	if len(executed) == 0 {
		return
	}

	s.logger.Info().Msg("running post hooks")
	ctx = context.WithoutCancel(ctx)

	for _, file := range executed {
		s.logger.Info().Str("hook", file).Msg("post")
		if err := s.executor.Run(ctx, file, PhasePost); err != nil {
			s.logger.Error().Err(err).Str("hook", file).Msg("post hook failed")
		}
	}
}

// qualifies reports whether file is non-empty and executable.
func (s *Impl) qualifies(file string) bool {
	info, err := s.fs.Stat(file)
	if err != nil {
		s.logger.Debug().Err(err).Str("hook", file).Msg("skipping hook")
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0 && info.Mode().Perm()&0o111 != 0
}
