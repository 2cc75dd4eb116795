package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ymgong66966/restaurant-order-verifier/internal/transcription"
)

// DefaultCleanupInterval is how often idle sessions are looked for.
const DefaultCleanupInterval = 30 * time.Second

// TerminalFunc is called once per session with its terminal event.
type TerminalFunc func(s transcription.Session, ev transcription.Event)

// StreamSession tracks one registered transcription session and keeps the
// events it produced so late readers can replay them.
type StreamSession struct {
	ID           string
	Mode         transcription.Mode
	StartTime    time.Time
	LastActivity time.Time

	session transcription.Session
	events  []transcription.Event
	updated chan struct{} // closed and replaced on every event
	done    chan struct{} // closed after the terminal event is recorded

	mu sync.RWMutex
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	SessionID    string                  `json:"session_id"`
	Mode         transcription.Mode      `json:"mode"`
	StartTime    time.Time               `json:"start_time"`
	LastActivity time.Time               `json:"last_activity"`
	Duration     time.Duration           `json:"duration"`
	Events       int                     `json:"events"`
	Finished     bool                    `json:"finished"`
	Terminal     transcription.EventKind `json:"terminal,omitempty"`
}

// Manager owns every live transcription session. It drains each session's
// events, records them and removes sessions that stay idle too long.
type Manager struct {
	sessions   map[string]*StreamSession
	mu         sync.RWMutex
	logger     *slog.Logger
	timeout    time.Duration
	interval   time.Duration
	onTerminal TerminalFunc

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	relays  sync.WaitGroup
}

// NewManager creates a manager whose sessions expire after timeout without
// activity. onTerminal may be nil.
func NewManager(logger *slog.Logger, timeout time.Duration, onTerminal TerminalFunc) *Manager {
	return newManager(logger, timeout, DefaultCleanupInterval, onTerminal)
}

func newManager(logger *slog.Logger, timeout, interval time.Duration, onTerminal TerminalFunc) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions:   make(map[string]*StreamSession),
		logger:     logger.With("component", "stream_manager"),
		timeout:    timeout,
		interval:   interval,
		onTerminal: onTerminal,
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}

	go mgr.startCleanupRoutine()
	return mgr
}

// Add registers s and starts relaying its events. Call it before s.Start so
// setup failures are recorded too.
func (m *Manager) Add(s transcription.Session) *StreamSession {
	now := time.Now()
	entry := &StreamSession{
		ID:           s.ID(),
		Mode:         s.Mode(),
		StartTime:    now,
		LastActivity: now,
		session:      s,
		updated:      make(chan struct{}),
		done:         make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[entry.ID] = entry
	m.mu.Unlock()

	m.relays.Add(1)
	go m.relay(entry)

	m.logger.Info("Stream session registered",
		slog.String("session_id", entry.ID),
		slog.String("mode", string(entry.Mode)),
	)
	return entry
}

func (m *Manager) relay(entry *StreamSession) {
	defer m.relays.Done()

	ev, err := transcription.Deliver(m.ctx, entry.session, entry.record)
	if err != nil {
		// Manager stopped; the drained terminal was not handed to record.
		if ev.Kind == "" {
			ev = transcription.Event{SessionID: entry.ID, Kind: transcription.EventCancelled, Time: time.Now()}
		}
		entry.record(ev)
	}

	m.logger.Info("Stream session finished",
		slog.String("session_id", entry.ID),
		slog.String("terminal", string(ev.Kind)),
		slog.Duration("duration", time.Since(entry.StartTime)),
	)

	if m.onTerminal != nil {
		m.onTerminal(entry.session, ev)
	}
}

// GetSession retrieves a registered session
func (m *Manager) GetSession(id string) (*StreamSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// UpdateActivity updates the last activity time for a session
func (m *Manager) UpdateActivity(id string) {
	m.mu.RLock()
	session, exists := m.sessions[id]
	m.mu.RUnlock()

	if !exists {
		m.logger.Warn("Attempted to update activity for non-existent session",
			slog.String("session_id", id),
		)
		return
	}

	session.touch()
}

// GetActiveSessionCount returns the number of sessions without a terminal event
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, session := range m.sessions {
		if !session.Finished() {
			active++
		}
	}
	return active
}

// GetAllSessions returns information about every registered session
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, session := range m.sessions {
		infos = append(infos, session.GetSessionInfo())
	}

	return infos
}

// RemoveSession cancels a session and forgets it
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !exists {
		return false
	}

	session.session.Cancel()

	m.logger.Info("Stream session removed",
		slog.String("session_id", id),
		slog.Duration("total_duration", time.Since(session.StartTime)),
	)
	return true
}

// Stop cancels every session and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	m.cancel()
	<-m.cleanup
	m.relays.Wait()

	m.logger.Info("Stream manager stopped",
		slog.Int("remaining_sessions", len(m.GetAllSessions())),
	)
}

// startCleanupRoutine runs in a separate goroutine to clean up expired sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long,
// cancelling the ones still running.
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)

		for _, id := range expired {
			m.RemoveSession(id)
		}
	}
}

func (s *StreamSession) record(ev transcription.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	s.LastActivity = time.Now()

	close(s.updated)
	s.updated = make(chan struct{})
	if ev.Terminal() {
		close(s.done)
	}
}

func (s *StreamSession) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// Session returns the underlying transcription session.
func (s *StreamSession) Session() transcription.Session {
	return s.session
}

// EventsSince returns the events recorded after the first n, and a channel
// closed when another event arrives.
func (s *StreamSession) EventsSince(n int) ([]transcription.Event, <-chan struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n < 0 {
		n = 0
	}
	if n > len(s.events) {
		n = len(s.events)
	}
	return append([]transcription.Event(nil), s.events[n:]...), s.updated
}

// Done is closed once the terminal event is recorded.
func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

// Finished reports whether the session has ended.
func (s *StreamSession) Finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Terminal waits for the terminal event.
func (s *StreamSession) Terminal(ctx context.Context) (transcription.Event, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return transcription.Event{}, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events[len(s.events)-1], nil
}

// GetSessionInfo returns session information
func (s *StreamSession) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		SessionID:    s.ID,
		Mode:         s.Mode,
		StartTime:    s.StartTime,
		LastActivity: s.LastActivity,
		Duration:     time.Since(s.StartTime),
		Events:       len(s.events),
	}
	if n := len(s.events); n > 0 && s.events[n-1].Terminal() {
		info.Finished = true
		info.Terminal = s.events[n-1].Kind
	}
	return info
}
