package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bryanchriswhite/QRInspector/internal/camera"
	"github.com/bryanchriswhite/QRInspector/internal/decode"
	"github.com/bryanchriswhite/QRInspector/internal/imaging"
	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Decode QR codes headlessly and print them",
	Long: `Capture frames back to back without a viewer and print every newly
decoded QR payload on stdout, one per line. Logs go to stderr.

Runs until interrupted unless --frames or --once is given.`,
	Example: `  # Print payloads until Ctrl+C
  qrinspector scan

  # Stop after the first decoded payload
  qrinspector scan --once

  # Capture 100 frames and exit
  qrinspector scan --frames 100`,
	RunE: runScan,
}

var (
	scanFrames int
	scanOnce   bool
)

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().IntVarP(&scanFrames, "frames", "n", 0, "stop after this many delivered frames (0 = no limit)")
	scanCmd.Flags().BoolVar(&scanOnce, "once", false, "stop after the first decoded payload")
}

// scanner prints changed payloads and cancels the run once its limits are hit
type scanner struct {
	out    io.Writer
	cancel context.CancelFunc
	frames int
	once   bool

	mu        sync.Mutex
	delivered int
	printed   int
}

func (s *scanner) ConsumeFrame(f *imaging.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered++
	if s.frames > 0 && s.delivered >= s.frames {
		s.cancel()
	}
	return nil
}

func (s *scanner) OnResult(r camera.Result) {
	if !r.Changed {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, r.Payload)
	s.printed++
	if s.once {
		s.cancel()
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	sess, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &scanner{out: os.Stdout, cancel: cancel, frames: scanFrames, once: scanOnce}
	loop := camera.NewLoop(sess, cfg.LoopConfig(), decode.NewQRDecoder(true))
	loop.AddConsumer(s)
	loop.AddResultListener(s)

	runErr := loop.Run(ctx)

	stats := loop.Stats()
	logger.WithComponent("scan").Info().
		Uint64("delivered", stats.Delivered).
		Uint64("timeouts", stats.Timeouts).
		Uint64("failures", stats.Failures).
		Uint64("decoded", stats.Decoded).
		Msg("Scan finished")

	if runErr != nil {
		return fmt.Errorf("scan stopped: %w", runErr)
	}
	if scanOnce && s.printed == 0 {
		return fmt.Errorf("no QR code decoded")
	}
	return nil
}
