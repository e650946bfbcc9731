package transcription

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// StubHandler answers every upload with a fixed transcript. It backs the
// transcribe-stub command and local testing.
func StubHandler(text string, delay time.Duration, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		audioData, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}

		duration, _ := strconv.ParseFloat(r.FormValue("duration"), 64)
		logger.Info("Transcription request received",
			slog.String("recording_id", r.FormValue("recording_id")),
			slog.String("session_id", r.FormValue("session_id")),
			slog.String("filename", header.Filename),
			slog.Int("bytes", len(audioData)),
			slog.Float64("duration", duration),
			slog.String("language", r.FormValue("language")),
		)

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		response := Response{
			RecordingID: r.FormValue("recording_id"),
			Text:        text,
			Confidence:  0.95,
			Language:    r.FormValue("language"),
			Duration:    duration,
			ProcessedAt: time.Now(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error("Failed to write response", slog.String("error", err.Error()))
		}
	})
}
