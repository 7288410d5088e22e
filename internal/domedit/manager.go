// Package domedit tracks live DOM-editing sessions: per-session change
// logs, the shared recent-change ring, pending code-removal requests, and
// the integrations that service them.
package domedit

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/dechub/internal/bus"
	"github.com/basket/dechub/internal/protocol"
	"github.com/basket/dechub/internal/shared"
)

// ErrNoSession reports an operation on a socket with no live session.
// Callers treat it as a no-op: a session vanishing mid-flight is a normal
// disconnect race, not a failure.
var ErrNoSession = errors.New("no dom editor session for socket")

// ErrUnknownSession reports a lookup for a session id that does not exist.
var ErrUnknownSession = errors.New("unknown session id")

// ChangeRecord is one timestamped DOM-editing event. It lands both in the
// owning session's log and in the shared recent-change ring.
type ChangeRecord struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"`
	URL       string          `json:"url,omitempty"`
	Title     string          `json:"title,omitempty"`
	Element   json.RawMessage `json:"element,omitempty"`
	Styles    json.RawMessage `json:"styles,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Session is one browser tab's live editing interaction.
type Session struct {
	ID              string          `json:"sessionId"`
	URL             string          `json:"url"`
	SelectedElement json.RawMessage `json:"selectedElement,omitempty"`
	Changes         []ChangeRecord  `json:"changes"`
	DOMChanges      json.RawMessage `json:"domChanges,omitempty"`
	ConnectedAt     time.Time       `json:"connectedAt"`

	sock shared.Sendable
}

// PendingRemoval is an outstanding two-phase code-removal request, keyed
// by session id. At most one per session; a newer request replaces it.
type PendingRemoval struct {
	SessionID   string          `json:"sessionId"`
	Element     json.RawMessage `json:"element"`
	URL         string          `json:"url"`
	RequestTime time.Time       `json:"requestTime"`

	sock  shared.Sendable
	token string
	timer *time.Timer
}

// Integration is an external process that can fulfil removal requests.
// Registration is last-writer-wins per type.
type Integration struct {
	Type         string    `json:"type"`
	ProjectRoot  string    `json:"projectRoot"`
	Capabilities []string  `json:"capabilities"`
	ConnectedAt  time.Time `json:"connectedAt"`

	sock shared.Sendable
}

// Options tune manager capacities.
type Options struct {
	RecentLimit int // recent-change ring capacity
	// RemovalTimeout expires pending removal requests no integration ever
	// answers. Zero disables expiry.
	RemovalTimeout time.Duration
}

const defaultRecentLimit = 50

// Manager owns all DOM-editing state behind one mutex.
type Manager struct {
	b      *bus.Bus
	logger *slog.Logger
	opts   Options

	mu           sync.Mutex
	sessions     map[string]*Session
	latestBySock map[shared.Sendable]string
	pending      map[string]*PendingRemoval
	integrations map[string]*Integration
	recent       []ChangeRecord
}

// NewManager creates a Manager publishing on b.
func NewManager(b *bus.Bus, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = defaultRecentLimit
	}
	return &Manager{
		b:            b,
		logger:       logger,
		opts:         opts,
		sessions:     make(map[string]*Session),
		latestBySock: make(map[shared.Sendable]string),
		pending:      make(map[string]*PendingRemoval),
		integrations: make(map[string]*Integration),
	}
}

// Connect opens a new session owned by sock. A socket may open several
// sessions; socket-resolved operations address the most recent one.
func (m *Manager) Connect(sock shared.Sendable, url string) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		URL:         url,
		ConnectedAt: time.Now().UTC(),
		sock:        sock,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.latestBySock[sock] = s.ID
	m.mu.Unlock()

	m.logger.Info("dom session connected", "session_id", s.ID, "url", url)
	m.b.Publish(bus.TopicDOMConnected, protocol.Envelope(protocol.TypeDOMEditorConnected, map[string]any{
		"sessionId": s.ID,
		"url":       url,
	}))
	return s
}

// record appends a change to the session log and the shared ring, then
// broadcasts the event under topic with the resolved session id.
func (m *Manager) record(sock shared.Sendable, topic, kind, url, title string, element, styles json.RawMessage, mutate func(*Session)) error {
	rec := ChangeRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		URL:       url,
		Title:     title,
		Element:   element,
		Styles:    styles,
		Timestamp: time.Now().UTC(),
	}

	m.mu.Lock()
	s := m.sessionBySockLocked(sock)
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	rec.SessionID = s.ID
	s.Changes = append(s.Changes, rec)
	if mutate != nil {
		mutate(s)
	}
	m.recent = append(m.recent, rec)
	if over := len(m.recent) - m.opts.RecentLimit; over > 0 {
		m.recent = append(m.recent[:0:0], m.recent[over:]...)
	}
	m.mu.Unlock()

	fields := map[string]any{"sessionId": rec.SessionID, "url": url}
	if title != "" {
		fields["title"] = title
	}
	if element != nil {
		fields["element"] = element
	}
	if styles != nil {
		fields["styles"] = styles
	}
	m.b.Publish(topic, protocol.Envelope(kind, fields))
	return nil
}

func (m *Manager) sessionBySockLocked(sock shared.Sendable) *Session {
	id, ok := m.latestBySock[sock]
	if !ok {
		return nil
	}
	return m.sessions[id]
}

// SelectElement records an element selection.
func (m *Manager) SelectElement(sock shared.Sendable, element json.RawMessage, url string) error {
	return m.record(sock, bus.TopicDOMElementSelected, protocol.TypeElementSelected, url, "", element, nil,
		func(s *Session) { s.SelectedElement = element })
}

// UpdateStyles records a style mutation.
func (m *Manager) UpdateStyles(sock shared.Sendable, element, styles json.RawMessage, url string) error {
	return m.record(sock, bus.TopicDOMStylesUpdated, protocol.TypeStylesUpdated, url, "", element, styles, nil)
}

// RemoveElement records a visual element removal.
func (m *Manager) RemoveElement(sock shared.Sendable, element json.RawMessage, url string) error {
	return m.record(sock, bus.TopicDOMElementRemoved, protocol.TypeElementRemoved, url, "", element, nil, nil)
}

// ResetChanges records that the session reverted its edits.
func (m *Manager) ResetChanges(sock shared.Sendable, url string) error {
	return m.record(sock, bus.TopicDOMChangesReset, protocol.TypeChangesReset, url, "", nil, nil, nil)
}

// RecordSnapshot records a full-page snapshot event.
func (m *Manager) RecordSnapshot(sock shared.Sendable, url, title string, styles, elements json.RawMessage) error {
	return m.record(sock, bus.TopicDOMSnapshot, protocol.TypePageSnapshot, url, title, elements, styles, nil)
}

// RecordDOMChanges stores the session's externally-observed change history.
func (m *Manager) RecordDOMChanges(sock shared.Sendable, changeHistory json.RawMessage) error {
	return m.record(sock, bus.TopicDOMChangesDetected, protocol.TypeDOMChangesDetected, "", "", nil, nil,
		func(s *Session) { s.DOMChanges = changeHistory })
}
