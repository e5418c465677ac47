package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	applogger "github.com/saker-ai/tts-streamer/internal/logger"
	"github.com/saker-ai/tts-streamer/pkg/devicesim"
)

func newSimulateCmd() *cobra.Command {
	var (
		cfg      devicesim.Config
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Connect a simulated speaker that plays back streamed audio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := applogger.New(applogger.Config{Level: logLevel, Stdout: true})
			if err != nil {
				return err
			}
			defer logger.Sync()

			dev := devicesim.New(cfg, devicesim.Callbacks{
				OnSession: func(sessionID string) {
					logger.Info("session started", zap.String("session_id", sessionID))
				},
				OnMarker: func(token string) {
					logger.Info("marker received", zap.String("token", token))
				},
				OnPlaybackOver: func(sessionID string, ttsTaskID string) {
					logger.Info("playback over",
						zap.String("session_id", sessionID),
						zap.String("tts_task_id", ttsTaskID),
					)
				},
			}, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = dev.Run(ctx)
			stats := dev.Stats()
			logger.Info("simulator stopped",
				zap.Int("frames", stats.Frames),
				zap.Int("audio_bytes", stats.AudioBytes),
				zap.Int("dropped_frames", stats.DroppedFrames),
				zap.Int("markers", stats.Markers),
				zap.Int("overflows", stats.Overflows),
				zap.Int("peak_buffered", stats.PeakBuffered),
			)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.URL, "url", "ws://127.0.0.1:8088/device-ws", "server websocket url")
	flags.StringVar(&cfg.DeviceID, "device-id", "sim-speaker", "device id sent in the Device-Id header")
	flags.IntVar(&cfg.DrainRate, "rate", 32000, "playback drain rate in bytes per second")
	flags.DurationVar(&cfg.ReportInterval, "interval", 100*time.Millisecond, "client_available_audio report period")
	flags.IntVar(&cfg.Capacity, "capacity", 0, "playback buffer size in bytes, 0 for unbounded")
	flags.StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
