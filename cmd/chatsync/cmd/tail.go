package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nfrund/chatsync/cmd/chatsync/internal/display"
	"github.com/nfrund/chatsync/internal/app"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/metrics"
	"github.com/nfrund/chatsync/internal/presence"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	tailScope string
	tailToken string
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Connect to a scope and print stream, typing and presence changes",
	Long: `Opens a session for one scope, loads its first page and then prints
every change until interrupted. The session reconnects on its own when the
network drops.

When metrics_addr is set, prometheus metrics are served on /metrics.

Examples:
  chatsync tail --scope room-1
  CHATSYNC_TOKEN=... chatsync tail --scope room-1 --config chatsync.yaml`,
	RunE: tailHandler,
}

func tailHandler(cmd *cobra.Command, args []string) error {
	if tailScope == "" {
		return errors.New("--scope is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if tailToken != "" {
		cfg.Token = tailToken
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := pubsub.SetupOTel(ctx, pubsub.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "chatsync",
		ZipkinURL:   cfg.Tracing.ZipkinURL,
	}, version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	deps, closeDeps, err := app.FromConfig(cfg, reg)
	if err != nil {
		return err
	}
	defer closeDeps()

	bus := pubsub.NewWatermillBridgeWithTracer(tracer)
	defer bus.Close()

	rejected := make(chan error, 1)
	out := display.NewPrinter(cmd.OutOrStdout())
	deps.Bus = bus
	deps.OnAuthError = func(err error) {
		select {
		case rejected <- err:
		default:
		}
	}
	deps.OnDelta = out.Delta
	deps.OnTyping = out.Typing
	deps.OnStateChange = out.State
	deps.OnPresence = func(rec domain.PresenceRecord) {
		out.Presence(presence.FormatLastSeen(rec, time.Now()), rec)
	}

	core, err := app.New(deps)
	if err != nil {
		return err
	}
	defer core.Close()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	page, err := core.Open(ctx, cfg.Token, tailScope)
	switch {
	case errors.Is(err, domain.ErrAuth):
		return fmt.Errorf("authentication failed: %w", err)
	case err != nil:
		slog.Warn("initial load failed, waiting for live events", "scope", tailScope, "error", err)
	default:
		out.Page(tailScope, page)
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return nil
	case err := <-rejected:
		return fmt.Errorf("session rejected on reconnect: %w", err)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().StringVarP(&tailScope, "scope", "s", "", "Scope (conversation id) to follow")
	tailCmd.Flags().StringVarP(&tailToken, "token", "t", "", "Session token (defaults to the configured token)")
}
