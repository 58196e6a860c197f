package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/nfrund/chatsync/internal/events"
	"github.com/spf13/cobra"
)

var (
	eventsFormat    string
	eventsDirection string
)

// eventsCmd represents the events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List the socket events the client understands",
	Long: `List every socket event the sync core sends or handles, which component
owns it, and an example payload.

Examples:
  chatsync events                        # all events as a table
  chatsync events --direction inbound    # only events received from the server
  chatsync events --format json`,
	RunE: eventsHandler,
}

func eventsHandler(cmd *cobra.Command, args []string) error {
	dir, ok := events.ParseDirection(eventsDirection)
	if !ok {
		return fmt.Errorf("invalid direction '%s'. Valid directions: inbound, outbound, both", eventsDirection)
	}
	list := events.Default().List(dir)

	switch eventsFormat {
	case "json":
		output := struct {
			Events []*events.Event `json:"events"`
			Count  int             `json:"count"`
		}{Events: list, Count: len(list)}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(output)
	case "table":
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "NAME\tDIRECTION\tOWNER\tDESCRIPTION")
		fmt.Fprintln(w, "----\t---------\t-----\t-----------")
		for _, e := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.Direction, e.Owner, e.Description)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format '%s'. Use 'table' or 'json'", eventsFormat)
	}
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().StringVarP(&eventsFormat, "format", "f", "table", "Output format (table, json)")
	eventsCmd.Flags().StringVarP(&eventsDirection, "direction", "d", "", "Filter by direction (inbound, outbound, both)")
}
