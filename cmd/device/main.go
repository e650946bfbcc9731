package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/74th/websocket-control-stackchan/internal/config"
	"github.com/74th/websocket-control-stackchan/internal/device"
	"github.com/74th/websocket-control-stackchan/internal/engine"
	"github.com/74th/websocket-control-stackchan/internal/logging"
	"github.com/74th/websocket-control-stackchan/internal/metrics"
	"github.com/74th/websocket-control-stackchan/internal/protocol"
	"github.com/74th/websocket-control-stackchan/internal/transport"
	"github.com/74th/websocket-control-stackchan/internal/uplink"
	"github.com/74th/websocket-control-stackchan/internal/wake"
)

var (
	configPath  string
	captureFile string
	serverURL   string
)

var rootCmd = &cobra.Command{
	Use:   "stackchan-device",
	Short: "Workstation device runtime",
	Long: `Workstation device runtime.

Runs the device session engine against a talk service. The microphone is
replayed from a WAV file and replies are written to the playback directory.

Examples:
  stackchan-device --capture hello.wav
  stackchan-device -c device.yaml --server ws://192.168.1.10:8000/ws/stackchan`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if captureFile != "" {
			cfg.Device.CaptureFile = captureFile
		}
		if serverURL != "" {
			cfg.Device.ServerURL = serverURL
			if err := cfg.Device.Validate(); err != nil {
				return err
			}
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file (defaults apply when empty)")
	rootCmd.Flags().StringVar(&captureFile, "capture", "", "mono WAV file used as microphone input")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "talk service WebSocket URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger, closeLog := logging.New(cfg.Logging)
	defer closeLog()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	ws, err := transport.NewWebSocket(transport.Config{
		URL:               cfg.Device.ServerURL,
		ReconnectInterval: cfg.Device.GetReconnectInterval(),
		WriteTimeout:      cfg.Device.GetWriteTimeout(),
	}, logger)
	if err != nil {
		return err
	}

	var capture *device.FileCapture
	if cfg.Device.CaptureFile != "" {
		capture, err = device.OpenWAVCapture(cfg.Device.CaptureFile, cfg.Audio.SampleRate, cfg.Device.CaptureLoop)
	} else {
		capture, err = device.NewFileCapture(nil, cfg.Audio.SampleRate, false, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}

	speaker, err := device.NewFileSpeaker(cfg.Device.PlaybackDir, logger, nil)
	if err != nil {
		return err
	}

	recognizer, err := wake.NewEnergyRecognizer(cfg.Wake.Threshold, cfg.Wake.GetMinDuration(), logger)
	if err != nil {
		return err
	}

	uplinkCfg := uplink.DefaultConfig(cfg.Audio.SampleRate)
	uplinkCfg.ChunkSamples = cfg.Audio.GetChunkSamples()
	uplinkCfg.ReadQuantum = cfg.Audio.ReadQuantum
	uplinkCfg.RingCapacity = cfg.Audio.GetRingCapacity()
	uplinkCfg.SilenceThreshold = cfg.Silence.Threshold
	uplinkCfg.SilenceDuration = cfg.Silence.GetDuration()

	eng, err := engine.New(engine.Config{
		LoopInterval: cfg.Device.GetLoopInterval(),
		Uplink:       uplinkCfg,
		DownlinkFallback: protocol.AudioMeta{
			SampleRate: cfg.Audio.DownlinkFallbackRate,
			Channels:   cfg.Audio.DownlinkFallbackChannels,
		},
		WakeQueueSize: cfg.Wake.QueueSize,
	}, engine.Deps{
		Transport:  ws,
		Capture:    capture,
		Output:     speaker,
		Recognizer: recognizer,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Device.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Device.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", slog.String("error", err.Error()))
			}
		}()
	}

	logger.Info("Device starting",
		slog.String("server_url", cfg.Device.ServerURL),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("capture_file", cfg.Device.CaptureFile),
		slog.String("playback_dir", cfg.Device.PlaybackDir),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Transport stopped", slog.String("error", err.Error()))
		}
	}()

	runErr := eng.Run(ctx)

	logger.Info("Starting graceful shutdown...")
	if err := eng.Close(); err != nil {
		logger.Warn("Engine close failed", slog.String("error", err.Error()))
	}
	_ = ws.Close()
	wg.Wait()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	stats := eng.GetStats()
	logger.Info("Device stopped",
		slog.Uint64("ticks", stats.Ticks),
		slog.Uint64("frames_received", stats.FramesReceived),
		slog.Uint64("wakes", stats.Wakes),
		slog.Uint64("disconnects", stats.Disconnects),
		slog.Uint64("stale_frames", stats.StaleFrames),
		slog.Uint64("capture_overruns", capture.Overruns()),
	)
	return runErr
}
