package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
	"github.com/bryanchriswhite/AcquireStreamer/internal/config"
	"github.com/bryanchriswhite/AcquireStreamer/internal/driver/sim"
	"github.com/bryanchriswhite/AcquireStreamer/internal/host"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	pretty  bool
	rootCmd = &cobra.Command{
		Use:   "acquirestreamer",
		Short: "AcquireStreamer - synchronized acquisition from one or two cameras",
		Long: `AcquireStreamer drives one or two cameras through an acquisition runtime,
aligns their frames by frame id and delivers them into a bounded circular
image buffer.

Features:
  • Dual camera acquisition with frame id synchronization
  • Snap and continuous streaming with bounded retries
  • Buffer overflow recovery or stop-on-overflow
  • Simulated cameras for development
  • REST API, websocket frame events and MJPEG preview`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := viper.GetString("log_level")
			if level == "" {
				level = "info"
			}
			logger.Init(level, pretty)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/acquirestreamer/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", true, "human readable console logs")

	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig loads the config file and applies flag overrides
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	if port := viper.GetInt("server_port"); viper.IsSet("server_port") && port > 0 {
		cfg.ServerPort = port
	}
	if level := viper.GetString("log_level"); level != "" {
		cfg.LogLevel = level
	} else {
		logger.Init(cfg.LogLevel, pretty)
	}
	return configMgr, cfg, nil
}

// openController opens the simulated runtime and a host buffer sized from cfg
func openController(cfg *config.Config) (*capture.Controller, *host.CircularBuffer, error) {
	buffer := host.NewCircularBuffer(cfg.BufferCapacity)
	ctrl, err := capture.New(sim.Open(cfg.SimulatorOptions()), buffer, cfg.ControllerOptions())
	if err != nil {
		return nil, nil, err
	}
	return ctrl, buffer, nil
}
