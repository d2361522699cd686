package cmd

import (
	"github.com/spf13/cobra"
)

var watchPaths []string

var watchCmd = &cobra.Command{
	Use:   "watch [[user@]host[:port] [path...]]",
	Short: "Mirror paths and keep them in sync; without arguments the config file is used",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, paths := splitArgs(args, watchPaths)
		return runMirror(cmd.Context(), dest, paths, true)
	},
}

func init() {
	watchCmd.Flags().StringArrayVarP(&watchPaths, "path", "p", nil, "local file or directory to mirror (repeatable)")
	rootCmd.AddCommand(watchCmd)
}
