package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without executing any backup operations.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Debug().Str("file", configFile).Msg("configuration is valid")

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Repository: %s\n", cfg.Borg.Repository)
	fmt.Printf("  Compression: %s\n", cfg.Borg.Compression)
	fmt.Printf("  Include: %v\n", cfg.Backup.Include)
	fmt.Printf("  Exclude: %v\n", cfg.Backup.Exclude)
	fmt.Printf("  Backup age: %s\n", cfg.Backup.BackupAge)
	fmt.Printf("  Metadata file: %s\n", cfg.Backup.Metadata.File)
	fmt.Println()
	fmt.Println("Retries:")
	fmt.Printf("  Amount: %d\n", cfg.Backup.Tries.Amount)
	fmt.Printf("  Sleep: %s\n", cfg.Backup.Tries.Sleep)
	fmt.Println()
	fmt.Println("Run Conditions:")
	fmt.Printf("  Battery min percent: %d\n", cfg.Backup.RunConditions.Battery.MinPercent)
	fmt.Printf("  Battery or AC connected: %v\n", cfg.Backup.RunConditions.Battery.OrACConnected)
	fmt.Printf("  Network max hops: %d\n", cfg.Backup.RunConditions.Network.MaxHops)

	if cfg.Backup.Scan.Enabled {
		fmt.Println()
		fmt.Println("Scan Configuration:")
		fmt.Printf("  Locations: %v\n", cfg.Backup.Scan.Locations)
		fmt.Printf("  Markers: %s / %s\n", cfg.Backup.Scan.BackupMarker, cfg.Backup.Scan.NobackupMarker)
		fmt.Printf("  Cache file: %s\n", cfg.Backup.Scan.Cache.File)
		fmt.Printf("  Cache valid time: %s\n", cfg.Backup.Scan.Cache.ValidTime)
		fmt.Printf("  Touch: %v\n", cfg.Backup.Scan.Touch)
		fmt.Printf("  Execute hooks: %v\n", cfg.Backup.Scan.Execute)
	}

	if len(cfg.Borg.EnvVars) > 0 {
		fmt.Println()
		fmt.Println("Environment:")
		for key := range cfg.Borg.EnvVars {
			fmt.Printf("  %s: (configured)\n", key)
		}
	}

	return nil
}
