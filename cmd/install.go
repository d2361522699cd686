package cmd

import (
	"fmt"
	"mere/internal/autostart"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install [[user@]host[:port] [path...]]",
	Short: "Register the watch daemon as a systemd user service",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, paths := splitArgs(args, nil)
		run, err := cfg.Resolve(dest, paths, true)
		if err != nil {
			return err
		}

		execPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}

		// Without arguments the unit reads destination and paths from the
		// config file at start.
		var unitArgs []string
		if dest != "" {
			unitArgs = append(unitArgs, dest)
			for _, t := range run.Targets {
				unitArgs = append(unitArgs, t.LocalPath)
			}
		}
		if configFile != "" {
			abs, err := filepath.Abs(configFile)
			if err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}
			unitArgs = append([]string{"--config", abs}, unitArgs...)
		}

		as := autostart.New()
		if err := as.Install(execPath, unitArgs); err != nil {
			return err
		}

		fmt.Printf("mere registered for autostart: %s\n", run.Destination)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}
