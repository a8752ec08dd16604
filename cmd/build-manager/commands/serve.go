package commands

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/footron/build-manager/pkg/dispatch"
	"github.com/footron/build-manager/pkg/errors"
	appfsm "github.com/footron/build-manager/pkg/fsm"
	"github.com/footron/build-manager/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Listen for GitHub webhooks and deploy matching builds",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen-addr", ":8000", "HTTP listen address")
	bindFlags(serveCmd.Flags(), "listen-addr")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.WebhookSecret == "" {
		slog.Warn("webhook_secret_missing", "effect", "every delivery is rejected with 500")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := storage.CleanupOrphans(cfg.WorkDir, time.Now().Add(-cfg.ScratchMaxAge)); err != nil {
		slog.Warn("scratch_cleanup_failed", "error", err)
	}
	if err := a.resume(ctx); err != nil {
		return err
	}

	engine := appfsm.NewEngine(a.pipeline)
	dispatcher := dispatch.NewDispatcher(a.registry, a.notifier, a.github)
	handler := dispatch.NewHandler(dispatcher, engine, cfg.WebhookSecret, a.metrics)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server_listening", "addr", cfg.ListenAddr, "webhook", dispatch.WebhookPath)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !stderrors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server failed")
		}
	case <-ctx.Done():
		slog.Info("server_shutdown_start")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server_shutdown_failed", "error", err)
	}

	// In-flight runs finish; their remote stages are not interruptible.
	engine.Wait()
	slog.Info("server_stopped")
	return nil
}
