package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/QRInspector/internal/config"
	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "qrinspector",
		Short: "QRInspector - QR code reader for industrial cameras",
		Long: `QRInspector grabs frames from an industrial camera, shows them as a
live MJPEG stream and decodes any QR code in view.

Features:
  • Enumerate and select attached cameras
  • Continuous capture with manual exposure
  • QR decoding with a sticky last-known result
  • Result history, websocket and MQTT publication
  • REST API to adjust exposure while running`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/qrinspector/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("backend", "", "camera backend (sim, mvsdk)")
	rootCmd.PersistentFlags().Int("device", -1, "camera index; prompts when several cameras are attached")
	rootCmd.PersistentFlags().Int("exposure", 0, "exposure time in milliseconds (1-100)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("camera.backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("camera.device_index", rootCmd.PersistentFlags().Lookup("device"))
	viper.BindPFlag("camera.exposure_ms", rootCmd.PersistentFlags().Lookup("exposure"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
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

// loadConfig opens the config manager, applies command line overrides for
// this run and initializes logging
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	err = configMgr.Override(func(cfg *config.Config) {
		applyFlags(viper.GetViper(), cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid command line override: %w", err)
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, nil
}

// applyFlags copies explicitly set flags onto cfg
func applyFlags(v *viper.Viper, cfg *config.Config) {
	if v.IsSet("server_port") {
		if port := v.GetInt("server_port"); port > 0 {
			cfg.ServerPort = port
		}
	}
	if v.IsSet("log_level") {
		if level := v.GetString("log_level"); level != "" {
			cfg.LogLevel = level
		}
	}
	if v.IsSet("camera.backend") {
		if backend := v.GetString("camera.backend"); backend != "" {
			cfg.Camera.Backend = backend
		}
	}
	if v.IsSet("camera.device_index") {
		cfg.Camera.DeviceIndex = v.GetInt("camera.device_index")
	}
	if v.IsSet("camera.exposure_ms") {
		if exposure := v.GetInt("camera.exposure_ms"); exposure != 0 {
			cfg.Camera.ExposureMS = exposure
		}
	}
}
