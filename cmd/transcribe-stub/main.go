package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/74th/websocket-control-stackchan/internal/config"
	"github.com/74th/websocket-control-stackchan/internal/logging"
	"github.com/74th/websocket-control-stackchan/internal/synthesis"
	"github.com/74th/websocket-control-stackchan/internal/transcription"
)

var (
	addr       string
	text       string
	delay      time.Duration
	ttsRate    int
	ttsPerChar time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "transcribe-stub",
	Short: "Fake transcription and synthesis endpoints for local testing",
	Long: `Fake transcription and synthesis endpoints for local testing.

Answers every multipart upload on /transcribe with a fixed transcript and
serves /audio_query and /synthesis with a tone per character.
Point transcription.endpoint at http://localhost:9000/transcribe and
synthesis.endpoint at http://localhost:9000.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog := logging.New(config.LoggingConfig{Level: "info", Format: "text"})
		defer closeLog()

		mux := http.NewServeMux()
		mux.Handle("/transcribe", transcription.StubHandler(text, delay, logger))
		mux.Handle("/", synthesis.StubHandler(ttsRate, ttsPerChar, logger))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		logger.Info("Speech stub starting", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":9000", "listen address")
	rootCmd.Flags().StringVar(&text, "text", "こんにちは", "transcript returned for every request")
	rootCmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "simulated processing time")
	rootCmd.Flags().IntVar(&ttsRate, "tts-rate", 24000, "sample rate of synthesized audio")
	rootCmd.Flags().DurationVar(&ttsPerChar, "tts-per-char", 120*time.Millisecond, "synthesized audio length per character")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
