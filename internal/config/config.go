package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables applied on top of the YAML file.
const (
	EnvServerURL           = "STACKCHAN_SERVER_URL"
	EnvTranscriptionAPIKey = "STACKCHAN_TRANSCRIPTION_API_KEY"
	EnvTranscriptionURL    = "STACKCHAN_TRANSCRIPTION_ENDPOINT"
	EnvSynthesisURL        = "STACKCHAN_SYNTHESIS_ENDPOINT"
	EnvLogLevel            = "STACKCHAN_LOG_LEVEL"
)

// Config represents the complete configuration
type Config struct {
	Device        DeviceConfig        `yaml:"device"`
	Audio         AudioConfig         `yaml:"audio"`
	Silence       SilenceConfig       `yaml:"silence"`
	Wake          WakeConfig          `yaml:"wake"`
	Server        ServerConfig        `yaml:"server"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DeviceConfig contains the device runtime settings
type DeviceConfig struct {
	ServerURL         string `yaml:"server_url"`
	ReconnectInterval int    `yaml:"reconnect_interval"` // milliseconds
	LoopInterval      int    `yaml:"loop_interval"`      // milliseconds
	WriteTimeout      int    `yaml:"write_timeout"`      // milliseconds
	MetricsAddress    string `yaml:"metrics_address"`
	CaptureFile       string `yaml:"capture_file"`
	CaptureLoop       bool   `yaml:"capture_loop"`
	PlaybackDir       string `yaml:"playback_dir"`
}

// AudioConfig contains the PCM parameters
type AudioConfig struct {
	SampleRate               int `yaml:"sample_rate"`
	ReadQuantum              int `yaml:"read_quantum"`  // samples
	ChunkSamples             int `yaml:"chunk_samples"` // 0 means sample_rate/2
	RingCapacity             int `yaml:"ring_capacity"` // 0 means sample_rate*2
	DownlinkFallbackRate     int `yaml:"downlink_fallback_rate"`
	DownlinkFallbackChannels int `yaml:"downlink_fallback_channels"`
}

// SilenceConfig contains the end-of-utterance detector settings
type SilenceConfig struct {
	Threshold int     `yaml:"threshold"`
	Duration  float64 `yaml:"duration"` // seconds
}

// WakeConfig contains the energy wake recognizer settings
type WakeConfig struct {
	Threshold   int     `yaml:"threshold"`
	MinDuration float64 `yaml:"min_duration"` // seconds
	QueueSize   int     `yaml:"queue_size"`
}

// ServerConfig contains the reference service settings
type ServerConfig struct {
	BindAddress      string `yaml:"bind_address"`
	Port             int    `yaml:"port"`
	WSPath           string `yaml:"ws_path"`
	ReadBufferSize   int    `yaml:"read_buffer_size"`
	ListenTimeout    int    `yaml:"listen_timeout"`     // seconds
	SpeakDoneTimeout int    `yaml:"speak_done_timeout"` // seconds
	SessionTimeout   int    `yaml:"session_timeout"`    // seconds
	SegmentMillis    int    `yaml:"segment_millis"`
	ChunkBytes       int    `yaml:"chunk_bytes"`
	RecordingsDir    string `yaml:"recordings_dir"`
	MaxTurns         int    `yaml:"max_turns"` // 0 means until an empty transcript
}

// TranscriptionConfig contains transcription API configuration. An empty
// endpoint disables transcription.
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Language      string `yaml:"language"`
}

// SynthesisConfig contains the speech engine settings. An empty endpoint
// echoes recordings back instead of speaking transcripts.
type SynthesisConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Speaker       int    `yaml:"speaker"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration that runs both binaries on localhost.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ServerURL:         "ws://127.0.0.1:8000/ws/stackchan",
			ReconnectInterval: 2000,
			LoopInterval:      10,
			WriteTimeout:      2000,
			PlaybackDir:       "playback",
		},
		Audio: AudioConfig{
			SampleRate:               16000,
			ReadQuantum:              256,
			DownlinkFallbackRate:     24000,
			DownlinkFallbackChannels: 1,
		},
		Silence: SilenceConfig{
			Threshold: 200,
			Duration:  3.0,
		},
		Wake: WakeConfig{
			Threshold:   1500,
			MinDuration: 0.3,
			QueueSize:   16,
		},
		Server: ServerConfig{
			BindAddress:      "0.0.0.0",
			Port:             8000,
			WSPath:           "/ws/stackchan",
			ReadBufferSize:   4096,
			ListenTimeout:    10,
			SpeakDoneTimeout: 120,
			SessionTimeout:   300,
			SegmentMillis:    2000,
			ChunkBytes:       4096,
			RecordingsDir:    "recordings",
		},
		Transcription: TranscriptionConfig{
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
			Language:      "ja",
		},
		Synthesis: SynthesisConfig{
			Speaker:       29,
			Timeout:       30,
			MaxRetries:    2,
			MaxConcurrent: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file on top of Default, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides keys from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvServerURL); v != "" {
		c.Device.ServerURL = v
	}
	if v := getenv(EnvTranscriptionURL); v != "" {
		c.Transcription.Endpoint = v
	}
	if v := getenv(EnvTranscriptionAPIKey); v != "" {
		c.Transcription.APIKey = v
	}
	if v := getenv(EnvSynthesisURL); v != "" {
		c.Synthesis.Endpoint = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Silence.Validate(); err != nil {
		return fmt.Errorf("silence config: %w", err)
	}
	if err := c.Wake.Validate(); err != nil {
		return fmt.Errorf("wake config: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}
	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	// one read per tick has to keep up with the microphone
	if c.Audio.ReadQuantum*1000 < c.Audio.SampleRate*c.Device.LoopInterval {
		return fmt.Errorf("audio config: read_quantum %d per %d ms tick is below %d Hz",
			c.Audio.ReadQuantum, c.Device.LoopInterval, c.Audio.SampleRate)
	}
	return nil
}

// Validate validates device configuration
func (d *DeviceConfig) Validate() error {
	u, err := url.Parse(d.ServerURL)
	if err != nil || d.ServerURL == "" {
		return fmt.Errorf("server_url must be a valid URL, got '%s'", d.ServerURL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server_url scheme must be ws or wss, got '%s'", u.Scheme)
	}
	if d.ReconnectInterval < 100 {
		return fmt.Errorf("reconnect_interval must be at least 100 ms, got %d", d.ReconnectInterval)
	}
	if d.LoopInterval < 1 || d.LoopInterval > 1000 {
		return fmt.Errorf("loop_interval must be between 1 and 1000 ms, got %d", d.LoopInterval)
	}
	if d.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be positive, got %d", d.WriteTimeout)
	}
	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}
	if a.ReadQuantum < 1 {
		return fmt.Errorf("read_quantum must be positive, got %d", a.ReadQuantum)
	}
	if a.ChunkSamples < 0 || a.ChunkSamples*2 > 0xFFFF {
		return fmt.Errorf("chunk_samples must fit in one frame, got %d", a.ChunkSamples)
	}
	if a.RingCapacity < 0 {
		return fmt.Errorf("ring_capacity cannot be negative, got %d", a.RingCapacity)
	}
	if a.RingCapacity > 0 && a.RingCapacity < a.GetChunkSamples() {
		return fmt.Errorf("ring_capacity (%d) must hold at least one chunk (%d)", a.RingCapacity, a.GetChunkSamples())
	}
	if a.DownlinkFallbackRate < 1 {
		return fmt.Errorf("downlink_fallback_rate must be positive, got %d", a.DownlinkFallbackRate)
	}
	if a.DownlinkFallbackChannels < 1 || a.DownlinkFallbackChannels > 2 {
		return fmt.Errorf("downlink_fallback_channels must be 1 or 2, got %d", a.DownlinkFallbackChannels)
	}
	return nil
}

// Validate validates silence detector configuration
func (s *SilenceConfig) Validate() error {
	if s.Threshold < 0 || s.Threshold > 32767 {
		return fmt.Errorf("threshold must be between 0 and 32767, got %d", s.Threshold)
	}
	if s.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %f", s.Duration)
	}
	return nil
}

// Validate validates wake recognizer configuration
func (w *WakeConfig) Validate() error {
	if w.Threshold < 1 || w.Threshold > 32767 {
		return fmt.Errorf("threshold must be between 1 and 32767, got %d", w.Threshold)
	}
	if w.MinDuration <= 0 {
		return fmt.Errorf("min_duration must be positive, got %f", w.MinDuration)
	}
	if w.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", w.QueueSize)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}
	if !strings.HasPrefix(s.WSPath, "/") {
		return fmt.Errorf("ws_path must start with '/', got '%s'", s.WSPath)
	}
	if s.ReadBufferSize < 1024 {
		return fmt.Errorf("read_buffer_size must be at least 1024 bytes, got %d", s.ReadBufferSize)
	}
	if s.ListenTimeout < 1 {
		return fmt.Errorf("listen_timeout must be at least 1 second, got %d", s.ListenTimeout)
	}
	if s.SpeakDoneTimeout < 1 {
		return fmt.Errorf("speak_done_timeout must be at least 1 second, got %d", s.SpeakDoneTimeout)
	}
	if s.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %d", s.SessionTimeout)
	}
	if s.SegmentMillis < 100 {
		return fmt.Errorf("segment_millis must be at least 100, got %d", s.SegmentMillis)
	}
	if s.ChunkBytes < 2 || s.ChunkBytes > 0xFFFF || s.ChunkBytes%2 != 0 {
		return fmt.Errorf("chunk_bytes must be an even size up to 65535, got %d", s.ChunkBytes)
	}
	if s.MaxTurns < 0 {
		return fmt.Errorf("max_turns cannot be negative, got %d", s.MaxTurns)
	}
	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return nil
	}
	if u, err := url.Parse(t.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("endpoint must be an absolute URL, got '%s'", t.Endpoint)
	}
	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}
	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}
	return nil
}

// Validate validates synthesis configuration
func (s *SynthesisConfig) Validate() error {
	if s.Endpoint == "" {
		return nil
	}
	if u, err := url.Parse(s.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("endpoint must be an absolute URL, got '%s'", s.Endpoint)
	}
	if s.Speaker < 0 {
		return fmt.Errorf("speaker cannot be negative, got %d", s.Speaker)
	}
	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", s.MaxRetries)
	}
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// anything other than stdout/stderr is a file path
	return nil
}

// Enabled reports whether transcription is configured.
func (t *TranscriptionConfig) Enabled() bool {
	return t.Endpoint != ""
}

// Enabled reports whether speech synthesis is configured.
func (s *SynthesisConfig) Enabled() bool {
	return s.Endpoint != ""
}

// GetReconnectInterval returns the reconnect interval as a time.Duration
func (d *DeviceConfig) GetReconnectInterval() time.Duration {
	return time.Duration(d.ReconnectInterval) * time.Millisecond
}

// GetLoopInterval returns the tick interval as a time.Duration
func (d *DeviceConfig) GetLoopInterval() time.Duration {
	return time.Duration(d.LoopInterval) * time.Millisecond
}

// GetWriteTimeout returns the send deadline as a time.Duration
func (d *DeviceConfig) GetWriteTimeout() time.Duration {
	return time.Duration(d.WriteTimeout) * time.Millisecond
}

// GetChunkSamples returns the uplink chunk size, defaulting to half a second.
func (a *AudioConfig) GetChunkSamples() int {
	if a.ChunkSamples > 0 {
		return a.ChunkSamples
	}
	return a.SampleRate / 2
}

// GetRingCapacity returns the capture ring size, defaulting to two seconds.
func (a *AudioConfig) GetRingCapacity() int {
	if a.RingCapacity > 0 {
		return a.RingCapacity
	}
	return a.SampleRate * 2
}

// GetDuration returns the silence duration as a time.Duration
func (s *SilenceConfig) GetDuration() time.Duration {
	return time.Duration(s.Duration * float64(time.Second))
}

// GetMinDuration returns the wake minimum duration as a time.Duration
func (w *WakeConfig) GetMinDuration() time.Duration {
	return time.Duration(w.MinDuration * float64(time.Second))
}

// Address returns the listen address
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// GetListenTimeout returns the uplink inactivity timeout as a time.Duration
func (s *ServerConfig) GetListenTimeout() time.Duration {
	return time.Duration(s.ListenTimeout) * time.Second
}

// GetSpeakDoneTimeout returns the playback wait as a time.Duration
func (s *ServerConfig) GetSpeakDoneTimeout() time.Duration {
	return time.Duration(s.SpeakDoneTimeout) * time.Second
}

// GetSessionTimeout returns the idle session timeout as a time.Duration
func (s *ServerConfig) GetSessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// GetSegmentDuration returns the reply segment length as a time.Duration
func (s *ServerConfig) GetSegmentDuration() time.Duration {
	return time.Duration(s.SegmentMillis) * time.Millisecond
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the synthesis timeout as a time.Duration
func (s *SynthesisConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}
