package main

import (
	"github.com/fgeck/goborg-homelab/internal/services/borg"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var borgCmd = &cobra.Command{
	Use:   "cmd <borg subcommand> [args...]",
	Short: "Run a borg subcommand against the configured repository",
	Long: `Run an arbitrary borg subcommand with the configured environment variables.
The repository is inserted after the subcommand, e.g.

  goborg-homelab cmd list --short
  goborg-homelab cmd info`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBorg,
}

func init() {
	// Everything after the subcommand belongs to borg.
	borgCmd.Flags().SetInterspersed(false)
}

func runBorg(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	code, err := borg.New(log.Logger).Exec(ctx, cfg.Borg, args[0], args[1:]...)
	if err != nil {
		log.Error().Err(err).Msg("borg command failed")
		return err
	}
	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}
