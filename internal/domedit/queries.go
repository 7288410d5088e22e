package domedit

import (
	"context"
	"fmt"

	"github.com/basket/dechub/internal/bus"
	"github.com/basket/dechub/internal/protocol"
	"github.com/basket/dechub/internal/shared"
)

// SessionSummary is a read-only view of one session for HTTP consumers.
type SessionSummary struct {
	SessionID      string          `json:"sessionId"`
	URL            string          `json:"url"`
	ChangeCount    int             `json:"changeCount"`
	PendingRemoval *PendingRemoval `json:"pendingRemoval,omitempty"`
}

// RecentChanges returns up to limit entries from the shared ring, oldest
// first. limit <= 0 returns the whole ring.
func (m *Manager) RecentChanges(limit int) []ChangeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]ChangeRecord(nil), m.recent...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ActiveSessions summarizes every live session, including any pending
// removal request so "still waiting" is visible to the dashboard.
func (m *Manager) ActiveSessions() []SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		summary := SessionSummary{
			SessionID:   s.ID,
			URL:         s.URL,
			ChangeCount: len(s.Changes),
		}
		if req, ok := m.pending[s.ID]; ok {
			cp := *req
			cp.timer = nil
			summary.PendingRemoval = &cp
		}
		out = append(out, summary)
	}
	return out
}

// SessionChanges returns one session's change log, optionally limited to
// the last N records. Unknown ids return ErrUnknownSession.
func (m *Manager) SessionChanges(sessionID string, limit int) ([]ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	out := append([]ChangeRecord(nil), s.Changes...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SendToSession forwards an arbitrary payload to one session's socket.
func (m *Manager) SendToSession(ctx context.Context, sessionID string, payload any) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return s.sock.Send(ctx, payload)
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RemoveBySocket tears down every session and integration owned by sock.
// Idempotent; called by the transport layer exactly once per closed
// connection. Each removed session gets one disconnect broadcast.
func (m *Manager) RemoveBySocket(sock shared.Sendable) {
	m.mu.Lock()
	var removed []string
	for id, s := range m.sessions {
		if s.sock == sock {
			removed = append(removed, id)
			delete(m.sessions, id)
			if req, ok := m.pending[id]; ok {
				if req.timer != nil {
					req.timer.Stop()
				}
				delete(m.pending, id)
			}
		}
	}
	delete(m.latestBySock, sock)
	for typ, in := range m.integrations {
		if in.sock == sock {
			delete(m.integrations, typ)
		}
	}
	m.mu.Unlock()

	for _, id := range removed {
		m.logger.Info("dom session disconnected", "session_id", id)
		m.b.Publish(bus.TopicDOMDisconnected, protocol.Envelope(protocol.TypeDOMEditorDisconnect, map[string]any{
			"sessionId": id,
		}))
	}
}
