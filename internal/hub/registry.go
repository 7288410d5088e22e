package hub

import (
	"sync"
	"time"

	"github.com/basket/dechub/internal/shared"
)

// AgentRecord is the registry's view of one connected agent. The socket
// reference is non-owning; teardown belongs to the transport layer.
type AgentRecord struct {
	AgentID       string     `json:"agentId"`
	DecisionID    string     `json:"decisionId,omitempty"`
	Status        string     `json:"status"`
	Message       string     `json:"message,omitempty"`
	CurrentTask   string     `json:"currentTask,omitempty"`
	RegisteredAt  time.Time  `json:"registeredAt"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	LastUpdate    *time.Time `json:"lastUpdate,omitempty"`
	LastError     string     `json:"lastError,omitempty"`

	sock shared.Sendable
}

// Registry is the connection bookkeeping for dashboard clients and
// agents: id-keyed agent records with a socket reverse index, and the set
// of plain dashboard sockets broadcasts fan out to. All removal paths are
// idempotent; "already gone" is a normal disconnect race.
type Registry struct {
	mu           sync.RWMutex
	clients      map[shared.Sendable]struct{}
	agents       map[string]*AgentRecord
	agentsBySock map[shared.Sendable]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:      make(map[shared.Sendable]struct{}),
		agents:       make(map[string]*AgentRecord),
		agentsBySock: make(map[shared.Sendable]string),
	}
}

// AddClient records an open dashboard socket.
func (r *Registry) AddClient(sock shared.Sendable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[sock] = struct{}{}
}

// Clients returns a snapshot of open dashboard sockets. Broadcast senders
// iterate the copy so concurrent registry mutation cannot bite them.
func (r *Registry) Clients() []shared.Sendable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]shared.Sendable, 0, len(r.clients))
	for sock := range r.clients {
		out = append(out, sock)
	}
	return out
}

// ClientCount reports the number of open dashboard sockets.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// RegisterAgent creates or overwrites the record for agentID. A later
// registration with the same id replaces the earlier one; there is never
// more than one record per agent id.
func (r *Registry) RegisterAgent(agentID string, sock shared.Sendable, decisionID string) *AgentRecord {
	now := time.Now().UTC()
	rec := &AgentRecord{
		AgentID:       agentID,
		DecisionID:    decisionID,
		Status:        "registered",
		RegisteredAt:  now,
		LastHeartbeat: now,
		sock:          sock,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.agents[agentID]; ok {
		delete(r.agentsBySock, prev.sock)
	}
	r.agents[agentID] = rec
	r.agentsBySock[sock] = agentID
	return rec
}

// UpdateAgentStatus overwrites the agent's status fields, last write
// wins. Returns false when the agent id is unknown.
func (r *Registry) UpdateAgentStatus(agentID, status, message, currentTask string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return false
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.Message = message
	rec.CurrentTask = currentTask
	rec.LastUpdate = &now
	return true
}

// Heartbeat stamps the agent's last-heartbeat time.
func (r *Registry) Heartbeat(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return false
	}
	rec.LastHeartbeat = time.Now().UTC()
	return true
}

// SetAgentError records the agent's most recent error message.
func (r *Registry) SetAgentError(agentID, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return false
	}
	now := time.Now().UTC()
	rec.LastError = message
	rec.LastUpdate = &now
	return true
}

// FindAgentBySocket resolves a socket to its agent record, if any.
func (r *Registry) FindAgentBySocket(sock shared.Sendable) (*AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.agentsBySock[sock]
	if !ok {
		return nil, false
	}
	rec := r.agents[id]
	cp := *rec
	return &cp, true
}

// Agent returns a copy of one agent record.
func (r *Registry) Agent(agentID string) (*AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Agents returns a snapshot of every agent record.
func (r *Registry) Agents() []AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, *rec)
	}
	return out
}

// RemoveClient drops the socket from the client set and deletes any agent
// record it owned. It returns the removed agent id ("" if none) so the
// hub can emit exactly one disconnect broadcast. Removing an absent
// socket is a no-op.
func (r *Registry) RemoveClient(sock shared.Sendable) (removedAgent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, sock)
	if id, ok := r.agentsBySock[sock]; ok {
		delete(r.agentsBySock, sock)
		delete(r.agents, id)
		removedAgent = id
	}
	return removedAgent
}
