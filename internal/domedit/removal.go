package domedit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/basket/dechub/internal/bus"
	"github.com/basket/dechub/internal/protocol"
	"github.com/basket/dechub/internal/shared"
)

// RequestRemoval stores a pending code-removal request for the socket's
// session and broadcasts it for integrations to pick up. The call never
// blocks on an integration; the reply arrives later via CompleteRemoval.
func (m *Manager) RequestRemoval(sock shared.Sendable, element json.RawMessage, url string) error {
	m.mu.Lock()
	s := m.sessionBySockLocked(sock)
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if prev, ok := m.pending[s.ID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	req := &PendingRemoval{
		SessionID:   s.ID,
		Element:     element,
		URL:         url,
		RequestTime: time.Now().UTC(),
		sock:        sock,
		token:       uuid.NewString(),
	}
	if m.opts.RemovalTimeout > 0 {
		sessionID, token := s.ID, req.token
		req.timer = time.AfterFunc(m.opts.RemovalTimeout, func() {
			m.expireRemoval(sessionID, token)
		})
	}
	m.pending[s.ID] = req
	m.mu.Unlock()

	m.logger.Info("code removal requested", "session_id", req.SessionID, "url", url)
	m.b.Publish(bus.TopicDOMRemovalRequested, protocol.Envelope(protocol.TypeCodeRemovalRequested, map[string]any{
		"sessionId": req.SessionID,
		"element":   element,
		"url":       url,
	}))
	return nil
}

// CompleteRemoval resolves a pending request: the result is forwarded
// directly to the originating session's socket and the pending record is
// dropped. An unknown session id is a no-op; the integration may be
// answering a request whose session already disconnected.
func (m *Manager) CompleteRemoval(ctx context.Context, msg *protocol.CodeRemovalComplete) error {
	m.mu.Lock()
	req, ok := m.pending[msg.SessionID]
	if ok {
		delete(m.pending, msg.SessionID)
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("code removal completion for unknown session", "session_id", msg.SessionID)
		return nil
	}

	m.logger.Info("code removal complete", "session_id", msg.SessionID, "method", msg.Method, "success", msg.Success)
	return req.sock.Send(ctx, protocol.Envelope(protocol.TypeCodeRemovalComplete, map[string]any{
		"sessionId": msg.SessionID,
		"element":   msg.Element,
		"method":    msg.Method,
		"success":   msg.Success,
	}))
}

// expireRemoval drops a pending request whose timeout elapsed. The token
// guard keeps a stale timer from expiring a newer request on the same
// session.
func (m *Manager) expireRemoval(sessionID, token string) {
	m.mu.Lock()
	req, ok := m.pending[sessionID]
	if !ok || req.token != token {
		m.mu.Unlock()
		return
	}
	delete(m.pending, sessionID)
	m.mu.Unlock()

	m.logger.Warn("code removal request expired", "session_id", sessionID, "timeout", m.opts.RemovalTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = req.sock.Send(ctx, protocol.Envelope(protocol.TypeCodeRemovalTimeout, map[string]any{
		"sessionId": sessionID,
	}))
}

// RegisterIntegration records an integration process. Only one
// integration per type is addressable; a re-register overwrites.
func (m *Manager) RegisterIntegration(sock shared.Sendable, integrationType, projectRoot string, capabilities []string) *Integration {
	in := &Integration{
		Type:         integrationType,
		ProjectRoot:  projectRoot,
		Capabilities: capabilities,
		ConnectedAt:  time.Now().UTC(),
		sock:         sock,
	}

	m.mu.Lock()
	m.integrations[integrationType] = in
	m.mu.Unlock()

	m.logger.Info("integration connected", "type", integrationType, "project_root", projectRoot)
	m.b.Publish(bus.TopicDOMConnected, protocol.Envelope(protocol.TypeIntegrationConnected, map[string]any{
		"integrationType": integrationType,
		"projectRoot":     projectRoot,
		"capabilities":    capabilities,
	}))
	return in
}

// Integrations returns a snapshot of registered integrations.
func (m *Manager) Integrations() []Integration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Integration, 0, len(m.integrations))
	for _, in := range m.integrations {
		out = append(out, *in)
	}
	return out
}
