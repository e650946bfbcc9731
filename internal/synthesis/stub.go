package synthesis

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/74th/websocket-control-stackchan/internal/audio"
)

// stubQuery is the subset of an audio query the stub round-trips.
type stubQuery struct {
	Kana               string  `json:"kana"`
	Speaker            int     `json:"speaker"`
	SpeedScale         float64 `json:"speedScale"`
	OutputSamplingRate int     `json:"outputSamplingRate"`
	OutputStereo       bool    `json:"outputStereo"`
}

// StubHandler is a minimal engine serving /audio_query and /synthesis.
// Synthesis renders a 440 Hz tone lasting perRune for each character of
// the text. It backs the stub server and local testing.
func StubHandler(sampleRate int, perRune time.Duration, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if perRune <= 0 {
		perRune = 100 * time.Millisecond
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /audio_query", func(w http.ResponseWriter, r *http.Request) {
		text := r.URL.Query().Get("text")
		if text == "" {
			http.Error(w, "text is required", http.StatusUnprocessableEntity)
			return
		}
		speaker, err := strconv.Atoi(r.URL.Query().Get("speaker"))
		if err != nil {
			http.Error(w, "speaker must be an integer", http.StatusUnprocessableEntity)
			return
		}

		logger.Info("Audio query received",
			slog.String("text", text),
			slog.Int("speaker", speaker))

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stubQuery{
			Kana:               text,
			Speaker:            speaker,
			SpeedScale:         1.0,
			OutputSamplingRate: sampleRate,
		}); err != nil {
			logger.Error("Failed to write response", slog.String("error", err.Error()))
		}
	})

	mux.HandleFunc("POST /synthesis", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Error reading body", http.StatusBadRequest)
			return
		}
		var query stubQuery
		if err := json.Unmarshal(body, &query); err != nil {
			http.Error(w, "Invalid audio query", http.StatusUnprocessableEntity)
			return
		}

		rate := query.OutputSamplingRate
		if rate <= 0 {
			rate = sampleRate
		}
		runes := len([]rune(query.Kana))
		if runes == 0 {
			runes = 1
		}
		n := int(int64(rate) * int64(perRune) * int64(runes) / int64(time.Second))

		samples := make([]int16, n)
		for i := range samples {
			samples[i] = int16(3000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		}

		wav, err := audio.EncodeWAV(samples, audio.Format{SampleRate: rate, Channels: 1})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger.Info("Synthesis request received",
			slog.Int("runes", runes),
			slog.Int("samples", n))

		w.Header().Set("Content-Type", "audio/wav")
		if _, err := w.Write(wav); err != nil {
			logger.Error("Failed to write response", slog.String("error", err.Error()))
		}
	})

	return mux
}
