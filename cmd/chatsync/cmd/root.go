package cmd

import (
	"os"

	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/logging"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Realtime chat sync client",
	Long: `chatsync drives the realtime sync core from the command line: it keeps a
session open, follows a conversation, and inspects the local message cache
and the shared presence store.

Available commands:
  tail       Connect to a scope and print stream, typing and presence changes
  cache      Inspect cached conversation snapshots
  presence   Look up users in the shared presence store
  events     List the socket events the client understands
  version    Print the version number

Configuration is read from --config, a .env file and CHATSYNC_* environment
variables.

Use "chatsync [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.New()
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
}
