package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
	"github.com/bryanchriswhite/AcquireStreamer/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage AcquireStreamer configuration",
	Long:  `View and manage AcquireStreamer configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Example: `  # Show configuration as YAML (default)
  acquirestreamer config show

  # Show configuration as JSON
  acquirestreamer config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Example: `  # Select the second camera
  acquirestreamer config set camera_2 "simulated: uniform random"

  # Use 16 bit pixels
  acquirestreamer config set pixel_type 16bit`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Example: `  acquirestreamer config get binning
  acquirestreamer config get preview.fps`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	RunE:  runConfigPath,
}

var formatFlag string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return encode(configMgr.Get(), formatFlag)
}

func encode(v any, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(v)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", format)
	}
}

var (
	intKeys = []string{
		"binning", "current_camera", "interval_ms", "buffer_capacity",
		"retry_interval_ms", "max_retries", "server_port",
		"preview.width", "preview.height", "preview.fps", "preview.quality",
		"simulator.frame_interval_ms", "simulator.width", "simulator.height", "simulator.ring_frames",
	}
	boolKeys = []string{"multi_channel", "stop_on_overflow", "preview.overlay"}
)

// parseValue converts a command line value to the type stored under key
func parseValue(key, value string) (any, error) {
	switch {
	case slices.Contains(intKeys, key):
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid number for %s: %s", key, value)
		}
		return n, nil
	case slices.Contains(boolKeys, key):
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean for %s: %s (use: true or false)", key, value)
		}
		return b, nil
	case key == "exposure_ms":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid exposure: %s", value)
		}
		return f, nil
	case key == "pixel_type":
		pt, err := capture.ParsePixelType(value)
		if err != nil {
			return nil, err
		}
		return string(pt), nil
	case key == "log_level":
		if !slices.Contains(config.LogLevels, value) {
			return nil, fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", value)
		}
		return value, nil
	}
	return value, nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	parsed, err := parseValue(key, value)
	if err != nil {
		return err
	}
	v := configMgr.GetViper()
	v.Set(key, parsed)

	if err := configMgr.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if err := configMgr.Get().Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: configuration is invalid: %v\n", err)
	}

	fmt.Printf("Configuration updated: %s = %s\n", key, value)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	v := configMgr.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	fmt.Println(v.Get(key))
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println(configMgr.GetConfigPath())
	return nil
}
