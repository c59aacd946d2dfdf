package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rebvpn/rebnode/internal/api"
	"github.com/rebvpn/rebnode/internal/config"
	"github.com/rebvpn/rebnode/internal/control"
	"github.com/rebvpn/rebnode/internal/updater"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the node agent",
	Long:  "Start the control-plane agent. Serves the controller API and supervises the xray-core engine.",
	RunE:  runAgent,
}

var configPath string

func init() {
	agentCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.Info("rebnode agent starting", "listen", cfg.Listen, "xray", cfg.Xray.ExecutablePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for _, dir := range []string{cfg.Update.InstallDir, cfg.Update.AssetsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	svc := control.NewService(control.Options{
		ExecutablePath: cfg.Xray.ExecutablePath,
		AssetsPath:     cfg.Xray.AssetsPath,
		Updater:        updater.New(cfg.Update.InstallDir, cfg.Update.AssetsDir),
		Compose:        updater.NewCompose(cfg.Update.ComposeFile, cfg.Update.ServiceName),
		Redeployer:     updater.NewDockerRedeployer(cfg.Update.ServiceName),
	})

	// Restart the engine when geo assets change on disk
	go func() {
		if err := svc.WatchAssets(ctx); err != nil {
			slog.Warn("asset watcher stopped", "error", err)
		}
	}()

	srv := api.NewServer(svc, cfg.APIKey)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenTCP(cfg.Listen)
	}()

	slog.Info("rebnode agent ready")

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("API server error", "error", err)
		}
	}

	cancel()
	srv.Shutdown(context.Background())
	svc.Stop()

	slog.Info("rebnode agent stopped")
	return nil
}
