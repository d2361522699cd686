package cmd

import (
	"github.com/spf13/cobra"
)

var (
	syncWatch bool
	syncPaths []string
)

var syncCmd = &cobra.Command{
	Use:   "sync [user@]host[:port] [path...]",
	Short: "Mirror paths to the destination once, or keep mirroring with --watch",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, paths := splitArgs(args, syncPaths)
		return runMirror(cmd.Context(), dest, paths, syncWatch)
	},
}

// splitArgs takes the destination from the first positional argument and
// appends the remaining ones to the --path values.
func splitArgs(args, flagPaths []string) (string, []string) {
	paths := append([]string(nil), flagPaths...)
	if len(args) == 0 {
		return "", paths
	}

	return args[0], append(paths, args[1:]...)
}

func init() {
	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false, "keep mirroring changes after the initial pass")
	syncCmd.Flags().StringArrayVarP(&syncPaths, "path", "p", nil, "local file or directory to mirror (repeatable)")
	rootCmd.AddCommand(syncCmd)
}
