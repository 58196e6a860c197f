package cmd

import (
	"github.com/spf13/cobra"
)

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect cached conversation snapshots",
	Long: `The cache command reads the snapshots the sync core writes so a
conversation can be shown while offline.

Available subcommands:
  list   List cached scopes (file backend only)
  show   Print the cached messages of one scope

Examples:
  chatsync cache list
  chatsync cache show --scope room-1
  chatsync cache show --scope room-1 --format json`,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
}
