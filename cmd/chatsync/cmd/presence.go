package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nfrund/chatsync/cmd/chatsync/internal/display"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/presence"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var presenceUsers []string

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Look up users in the shared presence store",
	Long: `Reads presence records written by running clients to redis and prints
each user's status and formatted last-seen time.

Examples:
  chatsync presence --user alice --user bob`,
	RunE: presenceHandler,
}

func presenceHandler(cmd *cobra.Command, args []string) error {
	if len(presenceUsers) == 0 {
		return errors.New("at least one --user is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return errors.New("redis.addr is not configured")
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer client.Close()
	store := presence.NewRedisStore(client, cfg.Redis.Prefix, cfg.Redis.TTL)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	rows := make([]display.PresenceRow, 0, len(presenceUsers))
	now := time.Now()
	for _, id := range presenceUsers {
		rec, err := store.Lookup(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			rows = append(rows, display.PresenceRow{UserID: id, Status: presence.LabelUnknown})
		case err != nil:
			return fmt.Errorf("lookup %s: %w", id, err)
		default:
			rows = append(rows, display.PresenceRow{UserID: id, Status: presence.FormatLastSeen(rec, now)})
		}
	}
	display.PresenceTable(cmd.OutOrStdout(), rows)
	return nil
}

func init() {
	rootCmd.AddCommand(presenceCmd)

	presenceCmd.Flags().StringArrayVarP(&presenceUsers, "user", "u", nil, "User id to look up (repeatable)")
}
