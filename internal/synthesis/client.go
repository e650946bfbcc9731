package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/74th/websocket-control-stackchan/internal/audio"
	"github.com/74th/websocket-control-stackchan/internal/metrics"
)

// ErrEmptyText is returned when there is nothing to say.
var ErrEmptyText = errors.New("synthesis text is empty")

// Client renders text to speech
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}
	logger     *slog.Logger
	metrics    *metrics.Metrics

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains synthesis client configuration
type Config struct {
	// Endpoint is the engine base URL, e.g. http://localhost:50021.
	Endpoint      string
	Speaker       int
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
}

// Result is synthesized speech
type Result struct {
	Text     string
	Samples  []int16
	Format   audio.Format
	Duration time.Duration
}

// HTTPError is returned for non-2xx responses
type HTTPError struct {
	Stage      string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: HTTP error %d: %s", e.Stage, e.StatusCode, e.Body)
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new synthesis HTTP client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 2
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger.With(slog.String("component", "synthesis")),
		metrics:    m,
	}, nil
}

// Synthesize renders text as PCM16
func (c *Client) Synthesize(ctx context.Context, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()
	c.metrics.RecordSynthesisRequest()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordSynthesisRetry()

			backoff := c.config.BackoffBase << (attempt - 1)
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			c.logger.Warn("Retrying synthesis",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()),
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := c.synthesize(ctx, text)
		if err == nil {
			elapsed := time.Since(startTime)
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(elapsed)
			c.metrics.RecordSynthesisSuccess(elapsed.Seconds())
			c.logger.Debug("Synthesized",
				slog.Int("runes", len([]rune(text))),
				slog.Duration("audio", result.Duration),
				slog.Duration("elapsed", elapsed))
			return result, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	c.metrics.RecordSynthesisFailure(time.Since(startTime).Seconds())
	return nil, fmt.Errorf("synthesis failed: %w", lastErr)
}

func (c *Client) synthesize(ctx context.Context, text string) (*Result, error) {
	speaker := strconv.Itoa(c.config.Speaker)

	queryURL := c.config.Endpoint + "/audio_query?" + url.Values{
		"text":    {text},
		"speaker": {speaker},
	}.Encode()
	query, err := c.post(ctx, "audio_query", queryURL, "", nil, "application/json")
	if err != nil {
		return nil, err
	}
	if !json.Valid(query) {
		return nil, fmt.Errorf("audio_query: invalid JSON response")
	}

	synthURL := c.config.Endpoint + "/synthesis?" + url.Values{"speaker": {speaker}}.Encode()
	wav, err := c.post(ctx, "synthesis", synthURL, "application/json", query, "audio/wav")
	if err != nil {
		return nil, err
	}

	samples, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}

	return &Result{
		Text:     text,
		Samples:  samples,
		Format:   format,
		Duration: time.Duration(audio.SamplesDuration(len(samples), format.SampleRate, format.Channels)) * time.Millisecond,
	}, nil
}

func (c *Client) post(ctx context.Context, stage, target, contentType string, body []byte, accept string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create HTTP request: %w", stage, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("User-Agent", "stackchan-server/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: HTTP request failed: %w", stage, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response body: %w", stage, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Stage: stage, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// isRetryableError reports whether a failed attempt is worth repeating:
// timeouts, network errors, 429 and 5xx.
func isRetryableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests to finish
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
