package cmd

import (
	"fmt"
	"mere/internal/model"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyN      int
	historyFailed bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync history",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("%s?n=%d&failed=%t", daemonURL("/history"), historyN, historyFailed)

		var histories []model.History
		resp, err := http.Get(url)
		if err := getJSON(resp, err, &histories); err != nil {
			return err
		}

		if len(histories) == 0 {
			fmt.Println("no history yet")
			return nil
		}

		for _, h := range histories {
			status := "✓"
			switch h.Status {
			case model.StatusFailed:
				status = "✗"
			case model.StatusSkipped:
				status = "-"
			}

			path := h.LocalPath
			if h.FromPath != "" {
				path = h.FromPath + " -> " + h.LocalPath
			}

			fmt.Printf("%s [%s] %-7s %s",
				status,
				h.SyncedAt.Format("2006-01-02 15:04:05"),
				h.Operation,
				path,
			)
			if h.Bytes > 0 {
				fmt.Printf(" (%s)", humanize.Bytes(uint64(h.Bytes)))
			}
			if h.ErrMsg != "" {
				fmt.Printf(": %s", h.ErrMsg)
			}
			fmt.Println()
		}

		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyN, "n", 20, "number of history entries to show")
	historyCmd.Flags().BoolVar(&historyFailed, "failed", false, "show only failed operations")
	rootCmd.AddCommand(historyCmd)
}
