// Package hub is the coordination core: the connection registry, the
// message dispatcher, and the glue between the activity tracker, the
// DOM-editing manager, and the broadcast bus. One Hub is constructed at
// startup and injected into both the socket and HTTP layers.
package hub

import (
	"context"
	"errors"
	"log/slog"

	"github.com/basket/dechub/internal/activity"
	"github.com/basket/dechub/internal/bus"
	"github.com/basket/dechub/internal/domedit"
	otelx "github.com/basket/dechub/internal/otel"
	"github.com/basket/dechub/internal/protocol"
	"github.com/basket/dechub/internal/shared"
)

// Hub ties the registries and trackers together behind one dispatch
// entry point.
type Hub struct {
	Bus      *bus.Bus
	Registry *Registry
	Activity *activity.Tracker
	DOM      *domedit.Manager

	logger  *slog.Logger
	metrics *otelx.Metrics
}

// New creates a Hub. Metrics may be nil.
func New(b *bus.Bus, tracker *activity.Tracker, dom *domedit.Manager, logger *slog.Logger, metrics *otelx.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Bus:      b,
		Registry: NewRegistry(),
		Activity: tracker,
		DOM:      dom,
		logger:   logger,
		metrics:  metrics,
	}
}

// AddConnection registers a freshly accepted socket as a dashboard client.
func (h *Hub) AddConnection(sock shared.Sendable) {
	h.Registry.AddClient(sock)
}

// RemoveConnection tears down everything the socket owned: its client
// slot, its agent record (with exactly one disconnect broadcast), any DOM
// sessions, and any pending activity broadcast timers.
func (h *Hub) RemoveConnection(sock shared.Sendable) {
	if agentID := h.Registry.RemoveClient(sock); agentID != "" {
		h.Activity.RemoveAgent(agentID)
		h.logger.Info("agent disconnected", "agent_id", agentID)
		h.Bus.Publish(bus.TopicAgentDisconnected, protocol.Envelope(protocol.TypeAgentDisconnected, map[string]any{
			"agentId": agentID,
		}))
	}
	h.DOM.RemoveBySocket(sock)
}

// Dispatch demultiplexes one inbound frame. Malformed or unknown frames
// are logged and dropped; nothing that arrives over a socket can take the
// dispatcher down or disturb other connections.
func (h *Hub) Dispatch(ctx context.Context, sender shared.Sendable, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		if h.metrics != nil {
			h.metrics.DispatchErrors.Add(ctx, 1)
		}
		h.logger.Warn("dropping frame", "error", shared.Redact(err.Error()))
		return
	}

	switch m := msg.(type) {
	case *protocol.AgentRegister:
		h.handleAgentRegister(sender, m)
	case *protocol.AgentStatus:
		h.handleAgentStatus(ctx, m)
	case *protocol.AgentHeartbeat:
		if !h.Registry.Heartbeat(m.AgentID) {
			h.logger.Debug("heartbeat for unknown agent", "agent_id", m.AgentID)
		}
	case *protocol.TaskCompletion:
		h.handleTaskCompletion(m)
	case *protocol.DecisionUpdate:
		h.Bus.Publish(bus.TopicDecisionNoted, protocol.Envelope(protocol.TypeDecisionUpdate, map[string]any{
			"agentId":    m.AgentID,
			"decisionId": string(m.DecisionID),
			"message":    shared.Redact(m.Message),
		}))
	case *protocol.AgentError:
		h.handleAgentError(m)
	case *protocol.GetAgentStatus:
		h.handleGetAgentStatus(ctx, sender, m)
	case *protocol.DOMEditorConnect:
		h.DOM.Connect(sender, m.URL)
	case *protocol.ElementSelected:
		h.domOp(protocol.TypeElementSelected, h.DOM.SelectElement(sender, m.Element, m.URL))
	case *protocol.StylesUpdated:
		h.domOp(protocol.TypeStylesUpdated, h.DOM.UpdateStyles(sender, m.Element, m.Styles, m.URL))
	case *protocol.ElementRemoved:
		h.domOp(protocol.TypeElementRemoved, h.DOM.RemoveElement(sender, m.Element, m.URL))
	case *protocol.ChangesReset:
		h.domOp(protocol.TypeChangesReset, h.DOM.ResetChanges(sender, m.URL))
	case *protocol.PageSnapshot:
		h.domOp(protocol.TypePageSnapshot, h.DOM.RecordSnapshot(sender, m.URL, m.Title, m.Styles, m.Elements))
	case *protocol.DOMChangesDetected:
		h.domOp(protocol.TypeDOMChangesDetected, h.DOM.RecordDOMChanges(sender, m.ChangeHistory))
	case *protocol.RequestCodeRemoval:
		h.domOp(protocol.TypeRequestCodeRemoval, h.DOM.RequestRemoval(sender, m.Element, m.URL))
	case *protocol.IntegrationConnect:
		h.DOM.RegisterIntegration(sender, m.IntegrationType, m.ProjectRoot, m.Capabilities)
	case *protocol.CodeRemovalComplete:
		if err := h.DOM.CompleteRemoval(ctx, m); err != nil {
			h.logger.Warn("forward removal result failed", "session_id", m.SessionID, "error", err)
		}
	default:
		// Decode returns only the variants above; a fallthrough here is a
		// protocol/dispatcher mismatch worth hearing about loudly in logs.
		h.logger.Error("decoded message with no handler", "message", msg)
	}
}

// domOp downgrades session-lookup misses to debug noise; a session
// vanishing between frames is a normal disconnect race.
func (h *Hub) domOp(kind string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, domedit.ErrNoSession) {
		h.logger.Debug("dom operation without session", "kind", kind)
		return
	}
	h.logger.Warn("dom operation failed", "kind", kind, "error", err)
}

func (h *Hub) handleAgentRegister(sender shared.Sendable, m *protocol.AgentRegister) {
	if m.AgentID == "" {
		h.logger.Warn("dropping agent_register without agentId")
		return
	}
	h.Registry.RegisterAgent(m.AgentID, sender, string(m.DecisionID))
	h.logger.Info("agent registered", "agent_id", m.AgentID, "decision_id", string(m.DecisionID))
	h.Bus.Publish(bus.TopicAgentRegistered, protocol.Envelope(protocol.TypeAgentRegistered, map[string]any{
		"agentId":    m.AgentID,
		"decisionId": string(m.DecisionID),
	}))
}

// handleAgentStatus updates the agent record (free-form status, last
// write wins) and, when the status is a recognized activity state, also
// drives the activity state machine, so socket- and HTTP-posted updates
// land in the same history.
func (h *Hub) handleAgentStatus(ctx context.Context, m *protocol.AgentStatus) {
	if m.AgentID == "" || m.Status == "" {
		h.logger.Warn("dropping agent_status with missing fields", "agent_id", m.AgentID)
		return
	}
	if !h.Registry.UpdateAgentStatus(m.AgentID, m.Status, m.Message, m.CurrentTask) {
		h.logger.Debug("status for unknown agent", "agent_id", m.AgentID)
	}

	rec, _ := h.Registry.Agent(m.AgentID)
	decisionID := ""
	if rec != nil {
		decisionID = rec.DecisionID
	}
	if _, err := activity.ParseState(m.Status); err == nil {
		// The tracker broadcasts the (debounced) "activity" message itself.
		if _, err := h.Activity.Update(m.AgentID, m.Status, decisionID, m.CurrentTask); err != nil {
			h.logger.Warn("activity update failed", "agent_id", m.AgentID, "error", err)
		} else if h.metrics != nil {
			h.metrics.ActivityUpdates.Add(ctx, 1)
		}
		return
	}

	h.Bus.Publish(bus.TopicActivityUpdated, protocol.Envelope(protocol.TypeAgentStatus, map[string]any{
		"agentId":     m.AgentID,
		"status":      m.Status,
		"message":     shared.Redact(m.Message),
		"currentTask": m.CurrentTask,
	}))
}

func (h *Hub) handleTaskCompletion(m *protocol.TaskCompletion) {
	if m.AgentID == "" {
		h.logger.Warn("dropping task_completion without agentId")
		return
	}
	h.Registry.UpdateAgentStatus(m.AgentID, "task_complete", "", "")
	h.Bus.Publish(bus.TopicTaskCompleted, protocol.Envelope(protocol.TypeTaskCompletion, map[string]any{
		"agentId":         m.AgentID,
		"taskDescription": m.TaskDescription,
		"decisionId":      string(m.DecisionID),
	}))
}

func (h *Hub) handleAgentError(m *protocol.AgentError) {
	if m.AgentID == "" {
		h.logger.Warn("dropping agent_error without agentId")
		return
	}
	h.Registry.SetAgentError(m.AgentID, m.Message)
	h.logger.Warn("agent error", "agent_id", m.AgentID, "decision_id", string(m.DecisionID))
	h.Bus.Publish(bus.TopicAgentErrored, protocol.Envelope(protocol.TypeAgentError, map[string]any{
		"agentId":    m.AgentID,
		"decisionId": string(m.DecisionID),
		"message":    shared.Redact(m.Message),
	}))
}

// handleGetAgentStatus replies directly to the asking socket rather than
// broadcasting.
func (h *Hub) handleGetAgentStatus(ctx context.Context, sender shared.Sendable, m *protocol.GetAgentStatus) {
	var agents []AgentRecord
	if m.AgentID != "" {
		if rec, ok := h.Registry.Agent(m.AgentID); ok {
			agents = append(agents, *rec)
		}
	} else {
		agents = h.Registry.Agents()
	}
	err := sender.Send(ctx, protocol.Envelope(protocol.TypeAgentStatusReport, map[string]any{
		"agents": agents,
	}))
	if err != nil {
		h.logger.Debug("status reply failed", "error", err)
	}
}
