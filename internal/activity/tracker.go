// Package activity tracks what every agent is doing right now, plus a
// bounded audit history of every transition. It is a status board, not a
// workflow engine: any state may follow any other, last write wins.
package activity

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/dechub/internal/bus"
	"github.com/basket/dechub/internal/debounce"
	"github.com/basket/dechub/internal/protocol"
)

// State is an agent activity state. The set is closed; anything else is
// rejected at the boundary, never coerced.
type State string

const (
	StateIdle      State = "idle"
	StateWorking   State = "working"
	StateDebugging State = "debugging"
	StateTesting   State = "testing"
	StateReviewing State = "reviewing"
)

// ErrUnknownState reports a state outside the closed set.
var ErrUnknownState = errors.New("unknown activity state")

// ParseState validates a wire-format state string.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateIdle, StateWorking, StateDebugging, StateTesting, StateReviewing:
		return State(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
}

// Entry is one immutable history record.
type Entry struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agentId"`
	State           State     `json:"state"`
	DecisionID      string    `json:"decisionId,omitempty"`
	TaskDescription string    `json:"taskDescription,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Current is the latest known state for one agent.
type Current struct {
	State           State     `json:"state"`
	DecisionID      string    `json:"decisionId,omitempty"`
	TaskDescription string    `json:"taskDescription,omitempty"`
	LastUpdate      time.Time `json:"lastUpdate"`
}

// Tracker records activity updates and publishes coalesced broadcasts.
// History is written on every update; broadcasts for the same agent are
// debounced so tool-use bursts do not flood dashboard clients.
type Tracker struct {
	b              *bus.Bus
	logger         *slog.Logger
	historyLimit   int
	broadcastDelay time.Duration

	mu         sync.Mutex
	history    []Entry
	current    map[string]Current
	debouncers map[string]*debounce.Debouncer
	pending    map[string]map[string]any
}

// Options tune tracker capacity and broadcast coalescing.
type Options struct {
	HistoryLimit   int           // max retained entries, oldest evicted first
	BroadcastDelay time.Duration // trailing debounce window; 0 broadcasts immediately
}

const defaultHistoryLimit = 1000

// NewTracker creates a Tracker publishing on b.
func NewTracker(b *bus.Bus, logger *slog.Logger, opts Options) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	return &Tracker{
		b:              b,
		logger:         logger,
		historyLimit:   opts.HistoryLimit,
		broadcastDelay: opts.BroadcastDelay,
		current:        make(map[string]Current),
		debouncers:     make(map[string]*debounce.Debouncer),
		pending:        make(map[string]map[string]any),
	}
}

// Update records a transition: overwrites the agent's current activity,
// appends a history entry, and schedules an "activity" broadcast.
func (t *Tracker) Update(agentID, state, decisionID, taskDescription string) (Entry, error) {
	if agentID == "" {
		return Entry{}, errors.New("agentId must be non-empty")
	}
	st, err := ParseState(state)
	if err != nil {
		return Entry{}, err
	}

	now := time.Now().UTC()
	entry := Entry{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		State:           st,
		DecisionID:      decisionID,
		TaskDescription: taskDescription,
		Timestamp:       now,
	}

	t.mu.Lock()
	t.history = append(t.history, entry)
	if over := len(t.history) - t.historyLimit; over > 0 {
		t.history = append(t.history[:0:0], t.history[over:]...)
	}
	t.current[agentID] = Current{
		State:           st,
		DecisionID:      decisionID,
		TaskDescription: taskDescription,
		LastUpdate:      now,
	}

	payload := protocol.Envelope(protocol.TypeActivity, map[string]any{
		"agentId":         agentID,
		"state":           string(st),
		"decisionId":      decisionID,
		"taskDescription": taskDescription,
	})
	t.pending[agentID] = payload

	if t.broadcastDelay <= 0 {
		delete(t.pending, agentID)
		t.mu.Unlock()
		t.b.Publish(bus.TopicActivityUpdated, payload)
		return entry, nil
	}

	db, ok := t.debouncers[agentID]
	if !ok {
		id := agentID
		db = debounce.New(t.broadcastDelay, func() { t.flush(id) })
		t.debouncers[agentID] = db
	}
	t.mu.Unlock()

	db.Trigger()
	return entry, nil
}

// flush publishes the most recent pending payload for one agent.
func (t *Tracker) flush(agentID string) {
	t.mu.Lock()
	payload, ok := t.pending[agentID]
	delete(t.pending, agentID)
	t.mu.Unlock()
	if ok {
		t.b.Publish(bus.TopicActivityUpdated, payload)
	}
}

// RemoveAgent clears the agent's current activity and cancels any pending
// broadcast. History entries are retained for auditing.
func (t *Tracker) RemoveAgent(agentID string) {
	t.mu.Lock()
	db := t.debouncers[agentID]
	delete(t.debouncers, agentID)
	delete(t.pending, agentID)
	delete(t.current, agentID)
	t.mu.Unlock()
	if db != nil {
		db.Stop()
	}
}

// ResetAll wipes current activity for every agent and broadcasts the
// distinct "activity-reset" signal so observers can tell a wipe from an
// agent going idle.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	dbs := t.debouncers
	t.debouncers = make(map[string]*debounce.Debouncer)
	t.pending = make(map[string]map[string]any)
	cleared := len(t.current)
	t.current = make(map[string]Current)
	t.mu.Unlock()

	for _, db := range dbs {
		db.Stop()
	}
	t.logger.Info("activity reset", "agents_cleared", cleared)
	t.b.Publish(bus.TopicActivityReset, protocol.Signal(protocol.TypeActivityReset))
}

// CurrentActivities returns a snapshot of every agent's latest state.
func (t *Tracker) CurrentActivities() map[string]Current {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Current, len(t.current))
	for id, cur := range t.current {
		out[id] = cur
	}
	return out
}

// History returns history entries, newest last, optionally filtered by
// agent id and limited to the last N entries. limit <= 0 means all.
func (t *Tracker) History(agentID string, limit int) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	if agentID == "" {
		out = append(out, t.history...)
	} else {
		for _, e := range t.history {
			if e.AgentID == agentID {
				out = append(out, e)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len reports the number of retained history entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}
