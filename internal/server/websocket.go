package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/74th/websocket-control-stackchan/internal/stream"
)

// DeviceHandler upgrades device connections and runs one talk session per
// connection.
type DeviceHandler struct {
	upgrader     websocket.Upgrader
	manager      *stream.Manager
	responder    stream.Responder
	logger       *slog.Logger
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectionsAccepted atomic.Uint64
	connectionsActive   atomic.Int64
	messagesReceived    atomic.Uint64
	protocolErrors      atomic.Uint64
	upgradeErrors       atomic.Uint64
}

// DeviceStatistics holds device connection counters
type DeviceStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsActive   int64  `json:"connections_active"`
	MessagesReceived    uint64 `json:"messages_received"`
	ProtocolErrors      uint64 `json:"protocol_errors"`
	UpgradeErrors       uint64 `json:"upgrade_errors"`
}

// NewDeviceHandler creates the WebSocket endpoint handler
func NewDeviceHandler(manager *stream.Manager, responder stream.Responder, readBufferSize int, logger *slog.Logger) *DeviceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeviceHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: readBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		manager:      manager,
		responder:    responder,
		logger:       logger,
		writeTimeout: 5 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (d *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.upgradeErrors.Add(1)
		d.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	d.wg.Add(1)
	defer d.wg.Done()

	d.connectionsAccepted.Add(1)
	d.connectionsActive.Add(1)
	defer d.connectionsActive.Add(-1)

	wc := &wsConn{conn: conn, writeTimeout: d.writeTimeout}
	session := d.manager.CreateSession(wc, r.RemoteAddr)
	logger := d.logger.With(slog.String("session_id", session.ID))
	logger.Info("Device connected", slog.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(d.ctx)
	served := make(chan struct{})
	go func() {
		defer close(served)
		err := session.Serve(ctx, d.responder)
		if err != nil && !errors.Is(err, stream.ErrSessionClosed) && !errors.Is(err, context.Canceled) {
			logger.Warn("Talk loop stopped", slog.String("error", err.Error()))
		}
	}()

	d.readLoop(wc, session, logger)

	cancel()
	d.manager.RemoveSession(session.ID)
	<-served
	_ = conn.Close()
	logger.Info("Device disconnected")
}

func (d *DeviceHandler) readLoop(wc *wsConn, session *stream.Session, logger *slog.Logger) {
	for {
		messageType, data, err := wc.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Read loop ended", slog.String("error", err.Error()))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		d.messagesReceived.Add(1)

		if err := session.HandleFrame(data); err != nil {
			var perr *stream.ProtocolError
			if errors.As(err, &perr) {
				d.protocolErrors.Add(1)
				logger.Warn("Closing connection", slog.String("reason", perr.Reason))
				_ = wc.Close(websocket.CloseUnsupportedData, perr.Reason)
				return
			}
			logger.Warn("Frame handling failed", slog.String("error", err.Error()))
		}
	}
}

// Shutdown cancels running talk loops and waits for connections to drain
func (d *DeviceHandler) Shutdown(ctx context.Context) error {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStatistics returns current connection statistics
func (d *DeviceHandler) GetStatistics() DeviceStatistics {
	return DeviceStatistics{
		ConnectionsAccepted: d.connectionsAccepted.Load(),
		ConnectionsActive:   d.connectionsActive.Load(),
		MessagesReceived:    d.messagesReceived.Load(),
		ProtocolErrors:      d.protocolErrors.Load(),
		UpgradeErrors:       d.upgradeErrors.Load(),
	}
}

// wsConn adapts a gorilla connection to stream.Conn. Data writes are
// serialized by the session; control frames may be sent concurrently.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) WriteBinary(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) WriteJSON(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	_ = c.conn.Close()
	return err
}
