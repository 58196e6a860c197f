package cmd

import (
	"fmt"

	"github.com/nfrund/chatsync/internal/app"
	"github.com/nfrund/chatsync/internal/cache"
	"github.com/spf13/cobra"
)

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached scopes (file backend only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := app.OpenStore(cfg.Cache)
		if err != nil {
			return err
		}
		defer store.Close()

		fs, ok := store.(*cache.FileStore)
		if !ok {
			return fmt.Errorf("cache backend %q cannot list scopes", cfg.Cache.Backend)
		}
		keys, err := fs.Keys()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No cached scopes")
			return nil
		}
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheListCmd)
}
