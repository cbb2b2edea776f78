package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
	"github.com/bryanchriswhite/AcquireStreamer/internal/host"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/spf13/cobra"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream frames without the server",
	Long: `Configure the cameras from the config file and stream frames into the
circular buffer, draining it as a consumer would. Prints acquisition
statistics when the target is reached, the duration elapses or on Ctrl+C.`,
	Example: `  # Stream 100 synchronized frames
  acquirestreamer stream --count 100

  # Stream for ten seconds without draining, stopping on the first overflow
  acquirestreamer stream --duration 10s --drain=false --stop-on-overflow`,
	RunE: runStream,
}

var (
	streamCount          int64
	streamDuration       time.Duration
	streamInterval       time.Duration
	streamDrain          bool
	streamStopOnOverflow bool
	streamFormat         string
)

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().Int64VarP(&streamCount, "count", "n", 100, "frames to acquire, 0 for unbounded")
	streamCmd.Flags().DurationVarP(&streamDuration, "duration", "d", 0, "stop after this long (0 waits for the count)")
	streamCmd.Flags().DurationVar(&streamInterval, "interval", -1, "minimum time between polls (default from config)")
	streamCmd.Flags().BoolVar(&streamDrain, "drain", true, "pop images from the buffer as they arrive")
	streamCmd.Flags().BoolVar(&streamStopOnOverflow, "stop-on-overflow", false, "stop on the first buffer overflow")
	streamCmd.Flags().StringVarP(&streamFormat, "format", "f", "yaml", "statistics output format (yaml or json)")
}

func runStream(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("stream")

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if streamCount == 0 && streamDuration == 0 {
		return fmt.Errorf("an unbounded stream needs --duration")
	}

	ctrl, buffer, err := openController(cfg)
	if err != nil {
		return fmt.Errorf("failed to open acquisition runtime: %w", err)
	}
	defer ctrl.Shutdown()

	if err := ctrl.Configure(cfg.CaptureSettings()); err != nil {
		return fmt.Errorf("failed to configure cameras: %w", err)
	}

	interval := cfg.Interval()
	if streamInterval >= 0 {
		interval = streamInterval
	}
	stopOnOverflow := cfg.StopOnOverflow || streamStopOnOverflow

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if streamDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, streamDuration)
		defer cancel()
	}

	start := time.Now()
	if err := ctrl.StartStreaming(streamCount, interval, stopOnOverflow); err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}

	popped := waitForStream(ctx, ctrl, buffer)
	if err := ctrl.StopStreaming(); err != nil {
		return fmt.Errorf("failed to stop streaming: %w", err)
	}
	elapsed := time.Since(start)

	st := ctrl.Status()
	streamErr := ctrl.StreamError()
	if streamErr != nil {
		log.Error().Err(streamErr).Msg("Acquisition ended with an error")
	}

	return encode(streamReport{
		Status:  st,
		Buffer:  buffer.Stats(),
		Popped:  popped,
		Elapsed: elapsed.Round(time.Millisecond).String(),
		FPS:     float64(st.Delivered) / elapsed.Seconds(),
	}, streamFormat)
}

type streamReport struct {
	Status  capture.Status `json:"status" yaml:"status"`
	Buffer  host.Stats     `json:"buffer" yaml:"buffer"`
	Popped  int            `json:"popped" yaml:"popped"`
	Elapsed string         `json:"elapsed" yaml:"elapsed"`
	FPS     float64        `json:"fps" yaml:"fps"`
}

// waitForStream drains the buffer until the poller exits or ctx is done
func waitForStream(ctx context.Context, ctrl *capture.Controller, buffer *host.CircularBuffer) int {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	popped := 0
	drain := func() {
		if !streamDrain {
			return
		}
		for {
			if _, ok := buffer.Pop(); !ok {
				return
			}
			popped++
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return popped
		case <-ticker.C:
			drain()
			if !ctrl.IsCapturing() {
				drain()
				return popped
			}
		}
	}
}
