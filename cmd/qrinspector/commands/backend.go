package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/QRInspector/internal/camera"
	"github.com/bryanchriswhite/QRInspector/internal/config"
	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/bryanchriswhite/QRInspector/internal/sdk"
	_ "github.com/bryanchriswhite/QRInspector/internal/sdk/sim"
)

// backendOptions passes the sim section of the config to the backend factory.
// Backends ignore keys they do not know.
func backendOptions(cfg *config.Config) sdk.Options {
	return sdk.Options{
		"width":         cfg.Sim.Width,
		"height":        cfg.Sim.Height,
		"mono":          cfg.Sim.Mono,
		"devices":       cfg.Sim.Devices,
		"payload":       cfg.Sim.Payload,
		"timeout_every": cfg.Sim.TimeoutEvery,
		"fps":           cfg.Sim.FPS,
		"bottom_up":     cfg.Sim.BottomUp,
		"frame_width":   cfg.Sim.FrameWidth,
		"frame_height":  cfg.Sim.FrameHeight,
	}
}

func openBackend(cfg *config.Config) (sdk.SDK, error) {
	backend, err := sdk.Open(cfg.Camera.Backend, backendOptions(cfg))
	if err != nil {
		return nil, err
	}
	logger.WithComponent("camera").Debug().Str("backend", cfg.Camera.Backend).Msg("Camera backend opened")
	return backend, nil
}

// openSession enumerates, selects and starts the configured camera. The
// prompt for several cameras reads stdin and writes to stderr.
func openSession(cfg *config.Config) (*camera.Session, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	devices := camera.NewEnumerator(backend).ListDevices()
	dev, err := camera.SelectDevice(devices, cfg.Camera.DeviceIndex, os.Stdin, os.Stderr)
	if err != nil {
		return nil, err
	}

	sess, err := camera.StartSession(backend, dev, cfg.Camera.ExposureMS)
	if err != nil {
		return nil, fmt.Errorf("failed to start camera %q: %w", dev.FriendlyName, err)
	}
	return sess, nil
}
