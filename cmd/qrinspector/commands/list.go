package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/bryanchriswhite/QRInspector/internal/camera"
	"github.com/bryanchriswhite/QRInspector/internal/sdk"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached cameras",
	Long: `List all cameras reported by the configured backend.

Each line shows the index used by --device, the friendly name and the port
type of the camera.`,
	Example: `  # List cameras (default format)
  qrinspector list

  # List cameras of the vendor SDK backend as JSON
  qrinspector list --backend mvsdk --format json`,
	RunE: runList,
}

var listFormat string

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "text", "output format (text or json)")
}

func runList(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	backend, err := openBackend(configMgr.Get())
	if err != nil {
		return err
	}
	devices := camera.NewEnumerator(backend).ListDevices()

	return printDevices(os.Stdout, devices, listFormat)
}

func printDevices(w io.Writer, devices []sdk.DeviceInfo, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	case "text":
		if len(devices) == 0 {
			fmt.Fprintln(w, "No camera found")
			return nil
		}
		for _, d := range devices {
			fmt.Fprintln(w, d.String())
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'text' or 'json')", format)
	}
}
