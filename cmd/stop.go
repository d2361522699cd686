package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		resp, err := http.Post(daemonURL("/stop"), "application/json", nil)
		if err := getJSON(resp, err, &result); err != nil {
			return err
		}

		fmt.Println(result["status"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
