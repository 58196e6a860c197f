package cmd

import (
	"errors"
	"fmt"

	"github.com/nfrund/chatsync/cmd/chatsync/internal/display"
	"github.com/nfrund/chatsync/internal/app"
	"github.com/nfrund/chatsync/internal/cache"
	"github.com/spf13/cobra"
)

var (
	showScope  string
	showFormat string
)

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the cached messages of one scope",
	RunE:  cacheShowHandler,
}

func cacheShowHandler(cmd *cobra.Command, args []string) error {
	if showScope == "" {
		return errors.New("--scope is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := app.OpenStore(cfg.Cache)
	if err != nil {
		return err
	}
	c := cache.New(store)
	defer c.Close()

	msgs, ok := c.Read(showScope)
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "No cached messages for scope '%s'\n", showScope)
		return nil
	}

	switch showFormat {
	case "json":
		return display.MessagesJSON(cmd.OutOrStdout(), showScope, msgs)
	case "table":
		display.MessagesTable(cmd.OutOrStdout(), msgs)
		return nil
	default:
		return fmt.Errorf("unsupported output format '%s'. Use 'table' or 'json'", showFormat)
	}
}

func init() {
	cacheCmd.AddCommand(cacheShowCmd)

	cacheShowCmd.Flags().StringVarP(&showScope, "scope", "s", "", "Scope (conversation id) to show")
	cacheShowCmd.Flags().StringVarP(&showFormat, "format", "f", "table", "Output format (table, json)")
}
