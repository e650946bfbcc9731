package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/74th/websocket-control-stackchan/internal/config"
	"github.com/74th/websocket-control-stackchan/internal/logging"
	"github.com/74th/websocket-control-stackchan/internal/metrics"
	"github.com/74th/websocket-control-stackchan/internal/server"
	"github.com/74th/websocket-control-stackchan/internal/stream"
	"github.com/74th/websocket-control-stackchan/internal/synthesis"
	"github.com/74th/websocket-control-stackchan/internal/transcription"
)

const (
	serviceName    = "stackchan-server"
	serviceVersion = "1.0.0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "stackchan-server",
	Short: "Reference talk service for stackchan devices",
	Long: `Reference talk service for stackchan devices.

Accepts device connections on the WebSocket path, records each utterance,
transcribes it when configured and replies in timed segments: the
transcript is spoken through the synthesis engine when one is configured,
otherwise the recording is echoed back.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file (defaults apply when empty)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog := logging.New(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", path),
	)
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address()),
		slog.String("ws_path", cfg.Server.WSPath),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("max_turns", cfg.Server.MaxTurns),
		slog.String("recordings_dir", cfg.Server.RecordingsDir),
		slog.Bool("transcription", cfg.Transcription.Enabled()),
		slog.Bool("synthesis", cfg.Synthesis.Enabled()),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	var client *transcription.Client
	if cfg.Transcription.Enabled() {
		client, err = transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Timeout:       cfg.Transcription.GetTimeoutDuration(),
			MaxRetries:    cfg.Transcription.MaxRetries,
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			Language:      cfg.Transcription.Language,
		}, logger, appMetrics)
		if err != nil {
			return fmt.Errorf("failed to create transcription client: %w", err)
		}
	}

	manager, err := stream.NewManager(stream.ManagerConfig{
		Session: stream.SessionConfig{
			SampleRate:       cfg.Audio.SampleRate,
			Channels:         1,
			ListenTimeout:    cfg.Server.GetListenTimeout(),
			SpeakDoneTimeout: cfg.Server.GetSpeakDoneTimeout(),
			SegmentDuration:  cfg.Server.GetSegmentDuration(),
			ChunkBytes:       cfg.Server.ChunkBytes,
			RecordingsDir:    cfg.Server.RecordingsDir,
			MaxTurns:         cfg.Server.MaxTurns,
			Language:         cfg.Transcription.Language,
		},
		SessionTimeout: cfg.Server.GetSessionTimeout(),
	}, client, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	var responder stream.Responder = stream.EchoResponder{}
	var speech *synthesis.Client
	if cfg.Synthesis.Enabled() {
		if !cfg.Transcription.Enabled() {
			logger.Warn("Synthesis configured without transcription, replies will be empty")
		}
		speech, err = synthesis.NewClient(synthesis.Config{
			Endpoint:      cfg.Synthesis.Endpoint,
			Speaker:       cfg.Synthesis.Speaker,
			Timeout:       cfg.Synthesis.GetTimeoutDuration(),
			MaxRetries:    cfg.Synthesis.MaxRetries,
			MaxConcurrent: cfg.Synthesis.MaxConcurrent,
		}, logger, appMetrics)
		if err != nil {
			return fmt.Errorf("failed to create synthesis client: %w", err)
		}
		responder = stream.SpeechResponder{Synthesizer: speech}
	}

	devices := server.NewDeviceHandler(manager, responder, cfg.Server.ReadBufferSize, logger)
	httpServer := server.NewHTTPServer(cfg, manager, devices, logger, appMetrics, prometheus.DefaultGatherer)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...")
	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	manager.Stop()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	stats := devices.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("messages_received", stats.MessagesReceived),
		slog.Uint64("protocol_errors", stats.ProtocolErrors),
	)
	if speech != nil {
		ss := speech.GetStats()
		logger.Info("Final synthesis statistics",
			slog.Uint64("requests", ss.TotalRequests),
			slog.Uint64("failures", ss.FailedRequests),
			slog.Uint64("retries", ss.TotalRetries),
		)
		_ = speech.Close()
	}
	logger.Info("Service stopped")
	return nil
}
