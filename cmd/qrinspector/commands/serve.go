package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/QRInspector/internal/api"
	"github.com/bryanchriswhite/QRInspector/internal/camera"
	"github.com/bryanchriswhite/QRInspector/internal/config"
	"github.com/bryanchriswhite/QRInspector/internal/decode"
	"github.com/bryanchriswhite/QRInspector/internal/emitter"
	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/bryanchriswhite/QRInspector/internal/output"
	"github.com/bryanchriswhite/QRInspector/internal/result"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start capture with the live viewer and HTTP API",
	Long: `Open the camera, start continuous capture and serve the live MJPEG
stream, the decode results and the control API over HTTP.

The last decoded QR code stays on screen until a different one is read.
Ctrl+C stops capture and releases the camera.`,
	Example: `  # Start with the simulated camera on the default port (8080)
  qrinspector serve

  # Use the vendor SDK, second camera, 20 ms exposure
  qrinspector serve --backend mvsdk --device 1 --exposure 20

  # Start on a custom port with debug logging
  qrinspector serve --port 9090 --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// pipeline holds everything attached to a running session
type pipeline struct {
	session *camera.Session
	loop    *camera.Loop
	stream  *output.MJPEGOutput
	history *result.Store
	emitter *emitter.MQTTEmitter
	server  *api.Server
}

// buildPipeline attaches the stream, history, MQTT and API to sess. On error
// everything built so far is released, including sess.
func buildPipeline(ctx context.Context, configMgr *config.Manager, sess *camera.Session) (*pipeline, error) {
	log := logger.WithComponent("serve")
	cfg := configMgr.Get()

	p := &pipeline{session: sess}
	p.loop = camera.NewLoop(sess, cfg.LoopConfig(), decode.NewQRDecoder(true))

	p.stream = output.NewMJPEGOutput(output.Config{
		Width:       cfg.Display.Width,
		Height:      cfg.Display.Height,
		JPEGQuality: cfg.Display.JPEGQuality,
	})
	if err := p.stream.Start(); err != nil {
		p.stream = nil
		p.shutdown()
		return nil, err
	}
	display := output.NewDisplay(cfg.Display.Overlay)
	display.AddOutput(p.stream)
	p.loop.AddConsumer(display)
	p.loop.AddResultListener(display)

	if cfg.History.Enabled {
		history, err := result.NewStore(configMgr.HistoryPath(), cfg.History.MaxEntries)
		if err != nil {
			p.shutdown()
			return nil, fmt.Errorf("failed to open result history: %w", err)
		}
		p.history = history
		p.loop.AddResultListener(history)
	}

	if cfg.MQTT.Enabled {
		p.emitter = emitter.NewMQTTEmitter(emitter.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      1,
		}, sess.Device().FriendlyName)
		if err := p.emitter.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("MQTT broker unavailable, results queue until it connects")
		}
		p.loop.AddResultListener(p.emitter)
	}

	p.server = api.NewServer(api.Deps{
		Camera:  sess,
		Loop:    p.loop,
		History: p.history,
		Stream:  p.stream,
		Emitter: p.emitter,
	})
	p.loop.AddResultListener(p.server.Hub())
	return p, nil
}

// shutdown releases everything in reverse order of construction. The camera
// is always closed last.
func (p *pipeline) shutdown() {
	log := logger.WithComponent("serve")

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown failed")
		}
		cancel()
	}
	if p.emitter != nil {
		p.emitter.Disconnect()
	}
	if p.history != nil {
		if err := p.history.Flush(); err != nil {
			log.Warn().Err(err).Msg("Failed to flush result history")
		}
	}
	if p.stream != nil {
		p.stream.Stop()
	}
	p.session.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("serve")

	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("backend", cfg.Camera.Backend).
		Int("exposure_ms", cfg.Camera.ExposureMS).
		Msg("Starting QRInspector")

	sess, err := openSession(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, configMgr, sess)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- p.server.Start(cfg.ServerPort)
	}()

	if p.emitter != nil {
		p.emitter.Start(ctx)
	}

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- p.loop.RunScheduled(ctx)
	}()

	log.Info().
		Str("viewer", fmt.Sprintf("http://localhost:%d", cfg.ServerPort)).
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Msg("QRInspector is running, press Ctrl+C to stop")

	var runErr error
	loopDone := false
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully")
	case err := <-loopErr:
		loopDone = true
		runErr = err
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	// stop the loop before the camera goes away
	stop()
	if !loopDone {
		select {
		case err := <-loopErr:
			if err != nil && runErr == nil {
				runErr = err
			}
		case <-time.After(5 * time.Second):
			log.Warn().Msg("Acquisition loop did not stop in time")
		}
	}

	p.shutdown()

	if errors.Is(runErr, camera.ErrDeviceUnresponsive) {
		return fmt.Errorf("camera stopped responding: %w", runErr)
	}
	return runErr
}
