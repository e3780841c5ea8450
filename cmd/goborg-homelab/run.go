package main

import (
	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/fgeck/goborg-homelab/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var force bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the backup workflow",
	Long: `Execute the complete backup workflow:
1. Check run conditions (battery, network hops)
2. Skip if the last successful backup is younger than backup-age
3. Resolve marker files (cached) and touch them (if enabled)
4. Run pre hooks (if enabled)
5. borg create with retries
6. Run post hooks for every pre hook that ran`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

func init() {
	runCmd.Flags().BoolVarP(&force, "force", "f", false, "ignore run conditions and backup age")
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("repository", cfg.Borg.Repository).
		Msg("configuration loaded")

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger)
	result, err := runnerSvc.Run(ctx, *cfg, runner.Options{Force: force})
	if err != nil {
		log.Error().Err(err).Msg("backup failed")
		return err
	}

	switch result.Status {
	case models.RunSucceeded:
		log.Info().Dur("duration", result.Duration).Msg("backup completed successfully")
	case models.RunDenied, models.RunNotDue:
		log.Info().Str("status", string(result.Status)).Str("reason", result.Reason).Msg("backup skipped")
	case models.RunFailed:
		// Exhaustion is reported through the log and the metadata file only,
		// the next scheduled run retries.
		log.Warn().Int("attempts", result.Attempts).Msg("backup failed after all attempts")
	}

	return nil
}
