package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/AcquireStreamer/internal/api"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/bryanchriswhite/AcquireStreamer/internal/output"
	"github.com/bryanchriswhite/AcquireStreamer/internal/overlay"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the AcquireStreamer server",
	Long: `Start the AcquireStreamer HTTP server.

The server configures the cameras from the config file and exposes a REST API
to snap, stream and tune them, a websocket of delivered frame metadata and an
MJPEG preview of the latest image.`,
	Example: `  # Start server on default port (8080)
  acquirestreamer serve

  # Start server on custom port
  acquirestreamer serve --port 9090

  # Start with debug logging
  acquirestreamer serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Str("path", configMgr.GetConfigPath()).Msg("Configuration loaded")

	ctrl, buffer, err := openController(cfg)
	if err != nil {
		return fmt.Errorf("failed to open acquisition runtime: %w", err)
	}
	defer ctrl.Shutdown()

	if err := ctrl.Configure(cfg.CaptureSettings()); err != nil {
		// the API can still reconfigure
		log.Warn().Err(err).Msg("Initial configuration failed")
	}

	previewCfg := output.Config{
		Width:   cfg.Preview.Width,
		Height:  cfg.Preview.Height,
		FPS:     cfg.Preview.FPS,
		Quality: cfg.Preview.Quality,
	}
	mjpeg := output.NewMJPEGOutput(previewCfg)
	if err := mjpeg.Start(); err != nil {
		return err
	}
	defer mjpeg.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	preview := output.NewPreview(buffer, mjpeg, previewCfg)
	if cfg.Preview.Overlay {
		labels := overlay.NewManager()
		labels.AddWidget(overlay.NewFrameInfoWidget("frame-info", 4, 4))
		preview.SetOverlay(labels)
	}
	go preview.Run(ctx)

	server := api.NewServer(ctrl, buffer, configMgr, mjpeg)
	log.Info().
		Int("port", cfg.ServerPort).
		Str("preview", fmt.Sprintf("http://localhost:%d/", cfg.ServerPort)).
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Msg("AcquireStreamer is running, press Ctrl+C to stop")

	if err := server.Start(ctx, cfg.ServerPort); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("Shutting down gracefully")
	return nil
}
