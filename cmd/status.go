package cmd

import (
	"fmt"
	"mere/internal/model"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap model.EngineSnapshot
		resp, err := http.Get(daemonURL("/status"))
		if err := getJSON(resp, err, &snap); err != nil {
			return err
		}

		lastSync := "-"
		if snap.LastSync != nil {
			lastSync = humanize.Time(*snap.LastSync)
		}

		fmt.Printf("state:        %s\n", snap.State)
		fmt.Printf("destination:  %s\n", snap.Destination)
		fmt.Printf("uptime:       %s\n", time.Since(snap.StartedAt).Round(time.Second))
		fmt.Printf("synced:       %d (%s)\n", snap.Applied, humanize.Bytes(uint64(snap.Bytes)))
		fmt.Printf("failed:       %d\n", snap.Failed)
		fmt.Printf("skipped:      %d\n", snap.Skipped)
		fmt.Printf("pending:      %s\n", humanize.Comma(int64(snap.Pending)))
		fmt.Printf("reconnects:   %d\n", snap.Reconnects)
		fmt.Printf("rescans:      %d\n", snap.Overflows)
		fmt.Printf("last sync:    %s\n", lastSync)
		if snap.LastError != "" {
			fmt.Printf("last error:   %s\n", snap.LastError)
		}

		for _, t := range snap.Targets {
			kind := "file"
			if t.IsDir {
				kind = "dir"
			}
			fmt.Printf("  %-4s %s\n", kind, t.LocalPath)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
