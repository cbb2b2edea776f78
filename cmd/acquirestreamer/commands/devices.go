package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/AcquireStreamer/internal/driver"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List acquisition devices",
	Long: `List the cameras and storage devices known to the acquisition runtime,
along with the controller properties.`,
	Example: `  # List devices in table format (default)
  acquirestreamer devices

  # List devices in JSON format
  acquirestreamer devices --format json

  # Show controller properties too
  acquirestreamer devices --properties`,
	RunE: runDevices,
}

var (
	devicesFormat     string
	devicesProperties bool
)

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "output format (table or json)")
	devicesCmd.Flags().BoolVarP(&devicesProperties, "properties", "p", false, "show controller properties")
}

func runDevices(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctrl, _, err := openController(cfg)
	if err != nil {
		return fmt.Errorf("failed to open acquisition runtime: %w", err)
	}
	defer ctrl.Shutdown()

	devices, err := ctrl.Devices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	if devicesProperties {
		// property values reflect the configured cameras
		if err := ctrl.Configure(cfg.CaptureSettings()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	switch devicesFormat {
	case "json":
		out := map[string]any{"devices": devices}
		if devicesProperties {
			out["properties"] = ctrl.Properties()
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	case "table":
		printDevicesTable(devices)
		if devicesProperties {
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROPERTY\tVALUE\tALLOWED")
			fmt.Fprintln(w, "--------\t-----\t-------")
			for _, p := range ctrl.Properties() {
				fmt.Fprintf(w, "%s\t%s\t%v\n", p.Name, p.Value, p.Allowed)
			}
			w.Flush()
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", devicesFormat)
	}
}

func printDevicesTable(devices []driver.DeviceIdentifier) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "INDEX\tKIND\tNAME")
	fmt.Fprintln(w, "-----\t----\t----")
	for i, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%s\n", i, d.Kind, d.Name)
	}
}
