// Package window maintains the per-session rolling conversation window:
// the most recent turns plus a running summary of everything older.
package window

import (
	"context"
	"sync"
	"time"

	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/llm"
	"lerian-timeline-engine/internal/logging"
	"lerian-timeline-engine/internal/summarize"
	"lerian-timeline-engine/internal/types"
)

// Manager owns all session windows and their retention sweep
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionWindow

	size            int
	maxAge          time.Duration
	cleanupInterval time.Duration
	summarizer      *summarize.Summarizer
	logger          logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type sessionWindow struct {
	mu               sync.Mutex
	messages         []types.Message
	summary          string
	lastSummarizedAt time.Time
	lastTouched      time.Time
}

// NewManager creates a window manager. Call Start to enable the retention
// sweep and Stop on shutdown.
func NewManager(cfg *config.WindowConfig, completer llm.Completer) *Manager {
	return &Manager{
		sessions:        make(map[string]*sessionWindow),
		size:            cfg.Size,
		maxAge:          time.Duration(cfg.MaxAgeHours) * time.Hour,
		cleanupInterval: time.Duration(cfg.CleanupIntervalMinutes) * time.Minute,
		summarizer:      summarize.NewSummarizer(completer, cfg.MaxSummaryChars),
		logger:          logging.WithComponent("window"),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the background retention sweep
func (m *Manager) Start() {
	if m.cleanupInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the retention sweep and waits for it to exit
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Append pushes a message onto its session window. When the window
// overflows, evicted heads are folded into the summary before they are
// dropped, so no content leaves the window unsummarized.
func (m *Manager) Append(ctx context.Context, msg *types.Message) error {
	w := m.window(msg.SessionID)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.messages = append(w.messages, *msg)
	w.lastTouched = time.Now()

	if len(w.messages) <= m.size {
		return nil
	}

	evictCount := len(w.messages) - m.size
	evicted := make([]types.Message, evictCount)
	copy(evicted, w.messages[:evictCount])

	summary, err := m.summarizer.Fold(ctx, w.summary, evicted)
	if err != nil {
		return err
	}

	w.summary = summary
	w.lastSummarizedAt = time.Now()
	w.messages = append(w.messages[:0], w.messages[evictCount:]...)

	m.logger.DebugContext(ctx, "window folded",
		"session_id", msg.SessionID, "evicted", evictCount, "summary_chars", len(summary))
	return nil
}

// Context returns the session's recent messages and summary. Both parts
// may be empty.
func (m *Manager) Context(sessionID string) types.ConversationContext {
	m.mu.RLock()
	w, exists := m.sessions[sessionID]
	m.mu.RUnlock()

	result := types.ConversationContext{SessionID: sessionID}
	if !exists {
		return result
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	result.RecentMessages = make([]types.Message, len(w.messages))
	copy(result.RecentMessages, w.messages)
	result.Summary = w.summary
	w.lastTouched = time.Now()
	return result
}

// Clear removes a session's window state entirely
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// ActiveSessions returns the number of live windows
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) window(sessionID string) *sessionWindow {
	m.mu.RLock()
	w, exists := m.sessions[sessionID]
	m.mu.RUnlock()
	if exists {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, exists = m.sessions[sessionID]; exists {
		return w
	}
	w = &sessionWindow{lastTouched: time.Now()}
	m.sessions[sessionID] = w
	return w
}

// sweep evicts windows untouched for longer than maxAge
func (m *Manager) sweep() {
	if m.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for sessionID, w := range m.sessions {
		w.mu.Lock()
		stale := w.lastTouched.Before(cutoff)
		w.mu.Unlock()
		if stale {
			delete(m.sessions, sessionID)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("window retention sweep", "removed", removed, "active", len(m.sessions))
	}
}
