package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Config configures the WebSocket client.
type Config struct {
	URL               string
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	InboundBuffer     int
}

// WebSocket is a reconnecting binary WebSocket client. Each message carries
// exactly one frame.
type WebSocket struct {
	config Config
	dialer websocket.Dialer
	logger *slog.Logger

	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	inbound   chan []byte

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	sendErrors     atomic.Uint64
	connects       atomic.Uint64
}

// NewWebSocket creates a client; call Run to connect.
func NewWebSocket(config Config, logger *slog.Logger) (*WebSocket, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("websocket URL is required")
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 2 * time.Second
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 2 * time.Second
	}
	if config.InboundBuffer <= 0 {
		config.InboundBuffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WebSocket{
		config:  config,
		dialer:  websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		logger:  logger,
		inbound: make(chan []byte, config.InboundBuffer),
	}, nil
}

// Run connects and keeps reconnecting until ctx is done.
func (w *WebSocket) Run(ctx context.Context) error {
	for {
		conn, _, err := w.dialer.DialContext(ctx, w.config.URL, nil)
		if err != nil {
			w.logger.Warn("WebSocket connect failed",
				slog.String("url", w.config.URL),
				slog.String("error", err.Error()))
		} else {
			w.attach(conn)
			w.readLoop(ctx, conn)
			w.detach(conn)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.config.ReconnectInterval):
		}
	}
}

func (w *WebSocket) attach(conn *websocket.Conn) {
	w.writeMu.Lock()
	w.conn = conn
	w.writeMu.Unlock()

	w.connected.Store(true)
	w.connects.Add(1)
	w.logger.Info("WebSocket connected", slog.String("url", w.config.URL))
}

func (w *WebSocket) detach(conn *websocket.Conn) {
	w.connected.Store(false)

	w.writeMu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.writeMu.Unlock()

	conn.Close()
	w.logger.Info("WebSocket disconnected", slog.String("url", w.config.URL))
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Debug("WebSocket read ended", slog.String("error", err.Error()))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.framesReceived.Add(1)
		w.bytesReceived.Add(uint64(len(data)))

		select {
		case w.inbound <- data:
		case <-ctx.Done():
			return
		}
	}
}

// Connected reports whether a connection is currently established.
func (w *WebSocket) Connected() bool {
	return w.connected.Load()
}

// Send writes one frame as a binary message, bounded by the write timeout.
// A write failure drops the connection so Run can re-establish it.
func (w *WebSocket) Send(frame []byte) error {
	if !w.connected.Load() {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.conn == nil {
		return ErrNotConnected
	}

	_ = w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		w.sendErrors.Add(1)
		w.connected.Store(false)
		w.conn.Close()
		return fmt.Errorf("websocket write: %w", err)
	}

	w.framesSent.Add(1)
	w.bytesSent.Add(uint64(len(frame)))
	return nil
}

// Inbound returns the channel of received frames.
func (w *WebSocket) Inbound() <-chan []byte {
	return w.inbound
}

// Close closes the current connection, if any.
func (w *WebSocket) Close() error {
	w.connected.Store(false)

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := w.conn.Close()
	w.conn = nil
	return err
}

// GetStats returns transport counters
func (w *WebSocket) GetStats() Stats {
	return Stats{
		Connected:      w.connected.Load(),
		FramesSent:     w.framesSent.Load(),
		FramesReceived: w.framesReceived.Load(),
		BytesSent:      w.bytesSent.Load(),
		BytesReceived:  w.bytesReceived.Load(),
		SendErrors:     w.sendErrors.Load(),
		Connects:       w.connects.Load(),
	}
}
