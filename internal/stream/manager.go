package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/74th/websocket-control-stackchan/internal/metrics"
	"github.com/74th/websocket-control-stackchan/internal/transcription"
)

// Manager manages all connected device sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
	interval time.Duration

	sessionConfig       SessionConfig
	transcriptionClient *transcription.Client

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Session SessionConfig
	// SessionTimeout expires sessions without device traffic.
	SessionTimeout  time.Duration
	CleanupInterval time.Duration
}

// NewManager creates a session manager. client may be nil to disable
// transcription.
func NewManager(config ManagerConfig, client *transcription.Client, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if err := ensureDir(config.Session.RecordingsDir); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions:            make(map[string]*Session),
		logger:              logger,
		metrics:             m,
		timeout:             config.SessionTimeout,
		interval:            config.CleanupInterval,
		sessionConfig:       config.Session,
		transcriptionClient: client,
		ctx:                 ctx,
		cancel:              cancel,
		cleanup:             make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// CreateSession registers a new device connection
func (m *Manager) CreateSession(conn Conn, remoteAddr string) *Session {
	var transcriber Transcriber
	if m.transcriptionClient != nil {
		transcriber = m.transcriptionClient
	}

	session := newSession(conn, remoteAddr, m.sessionConfig, transcriber, m.logger, m.metrics)

	m.mu.Lock()
	m.sessions[session.ID] = session
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(count)
	m.logger.Info("Created device session",
		slog.String("session_id", session.ID),
		slog.String("remote_addr", remoteAddr),
	)

	return session
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of connected devices
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all sessions
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// RemoveSession closes and forgets a session
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return false
	}

	session.Close()
	info := session.GetSessionInfo()
	m.metrics.RecordSessionClosed(info.Duration.Seconds())
	m.metrics.SetActiveSessions(count)
	m.logger.Info("Device session removed",
		slog.String("session_id", id),
		slog.Duration("duration", info.Duration),
		slog.Uint64("turns", info.Turns),
		slog.Uint64("recordings", info.Recordings),
	)
	return true
}

// Stop closes every session and stops background routines
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	for _, session := range m.GetAllSessions() {
		_ = session.conn.Close(1001, "server shutting down")
		m.RemoveSession(session.ID)
	}

	m.cancel()
	<-m.cleanup

	if m.transcriptionClient != nil {
		if err := m.transcriptionClient.Close(); err != nil {
			m.logger.Warn("Error closing transcription client", slog.String("error", err.Error()))
		}
		stats := m.transcriptionClient.GetStats()
		m.logger.Info("Transcription statistics",
			slog.Uint64("total_requests", stats.TotalRequests),
			slog.Uint64("successful", stats.SuccessRequests),
			slog.Float64("success_rate", stats.SuccessRate),
		)
	}

	m.logger.Info("Session manager stopped")
}

// GetTranscriptionStats returns transcription client statistics, if enabled
func (m *Manager) GetTranscriptionStats() (transcription.ClientStats, bool) {
	if m.transcriptionClient == nil {
		return transcription.ClientStats{}, false
	}
	return m.transcriptionClient.GetStats(), true
}

// SessionConfig returns the configuration given to new sessions
func (m *Manager) SessionConfig() SessionConfig {
	return m.sessionConfig
}

func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.timeout),
		slog.Duration("check_interval", m.interval),
	)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredSessions(time.Now())
		}
	}
}

// cleanupExpiredSessions drops sessions whose device has been silent
// longer than the session timeout.
func (m *Manager) cleanupExpiredSessions(now time.Time) int {
	if m.timeout <= 0 {
		return 0
	}

	var expired []*Session
	m.mu.RLock()
	for _, session := range m.sessions {
		if now.Sub(session.LastActivity()) > m.timeout {
			expired = append(expired, session)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions", slog.Int("expired_count", len(expired)))
	}
	for _, session := range expired {
		_ = session.conn.Close(1000, "session timeout")
		m.RemoveSession(session.ID)
	}
	return len(expired)
}
