package commands

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
	"github.com/bryanchriswhite/AcquireStreamer/internal/output"
	"github.com/spf13/cobra"
)

var snapCmd = &cobra.Command{
	Use:   "snap",
	Short: "Acquire one frame per camera",
	Long: `Configure the cameras from the config file, acquire exactly one
synchronized frame per camera and write each channel as a PNG.`,
	Example: `  # Snap into the current directory
  acquirestreamer snap

  # Snap into a directory, printing metadata as JSON
  acquirestreamer snap --out /tmp/snaps --format json`,
	RunE: runSnap,
}

var (
	snapOut    string
	snapFormat string
)

func init() {
	rootCmd.AddCommand(snapCmd)

	snapCmd.Flags().StringVarP(&snapOut, "out", "o", ".", "directory to write channel images to")
	snapCmd.Flags().StringVarP(&snapFormat, "format", "f", "yaml", "metadata output format (yaml or json)")
}

func runSnap(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctrl, _, err := openController(cfg)
	if err != nil {
		return fmt.Errorf("failed to open acquisition runtime: %w", err)
	}
	defer ctrl.Shutdown()

	if err := ctrl.Configure(cfg.CaptureSettings()); err != nil {
		return fmt.Errorf("failed to configure cameras: %w", err)
	}
	if err := ctrl.Snap(); err != nil {
		return fmt.Errorf("snap failed: %w", err)
	}

	if err := os.MkdirAll(snapOut, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	md := ctrl.LastSnap()
	session := ctrl.Session()
	for ch := 0; ch < ctrl.Channels(); ch++ {
		path := filepath.Join(snapOut, fmt.Sprintf("%s-%s.png", session.ID, capture.ChannelName(ch)))
		if err := writeChannelPNG(ctrl, ch, path); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %s\n", path)
	}

	return encode(md, snapFormat)
}

func writeChannelPNG(ctrl *capture.Controller, ch int, path string) error {
	buf, err := ctrl.Image(ch)
	if err != nil {
		return fmt.Errorf("channel %d: %w", ch, err)
	}
	img, err := output.BufferImage(buf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
