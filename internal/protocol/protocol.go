// Package protocol defines the socket wire format: one typed struct per
// recognized inbound message kind, decoded off a "type" discriminator.
// Unknown kinds surface as ErrUnknownType so the dispatcher can log and
// drop them without guessing.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownType reports a frame whose "type" field names no known message.
var ErrUnknownType = errors.New("unknown message type")

// Inbound message type discriminators.
const (
	TypeAgentRegister       = "agent_register"
	TypeAgentStatus         = "agent_status"
	TypeAgentHeartbeat      = "agent_heartbeat"
	TypeTaskCompletion      = "task_completion"
	TypeDecisionUpdate      = "decision_update"
	TypeAgentError          = "agent_error"
	TypeGetAgentStatus      = "get_agent_status"
	TypeDOMEditorConnect    = "dom_editor_connect"
	TypeElementSelected     = "element_selected"
	TypeStylesUpdated       = "styles_updated"
	TypeElementRemoved      = "element_removed"
	TypeChangesReset        = "changes_reset"
	TypePageSnapshot        = "page_snapshot"
	TypeDOMChangesDetected  = "dom_changes_detected"
	TypeRequestCodeRemoval  = "request_code_removal"
	TypeIntegrationConnect  = "integration_connect"
	TypeCodeRemovalComplete = "code_removal_complete"
)

// DecisionID is a decision-record reference. Browser clients send it as
// either a JSON number or a string; both normalize to the string form.
type DecisionID string

func (d *DecisionID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*d = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*d = DecisionID(v)
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("decision id must be a number or string, got %s", s)
	}
	*d = DecisionID(s)
	return nil
}

// Message is implemented by every inbound variant.
type Message interface {
	messageType() string
}

type AgentRegister struct {
	AgentID    string     `json:"agentId"`
	DecisionID DecisionID `json:"decisionId,omitempty"`
}

type AgentStatus struct {
	AgentID     string `json:"agentId"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	CurrentTask string `json:"currentTask,omitempty"`
}

type AgentHeartbeat struct {
	AgentID string `json:"agentId"`
}

type TaskCompletion struct {
	AgentID         string     `json:"agentId"`
	TaskDescription string     `json:"taskDescription"`
	DecisionID      DecisionID `json:"decisionId,omitempty"`
}

type DecisionUpdate struct {
	AgentID    string     `json:"agentId"`
	DecisionID DecisionID `json:"decisionId"`
	Message    string     `json:"message"`
}

type AgentError struct {
	AgentID    string     `json:"agentId"`
	DecisionID DecisionID `json:"decisionId,omitempty"`
	Message    string     `json:"message"`
}

type GetAgentStatus struct {
	AgentID string `json:"agentId,omitempty"`
}

type DOMEditorConnect struct {
	URL string `json:"url"`
}

type ElementSelected struct {
	Element json.RawMessage `json:"element"`
	URL     string          `json:"url"`
}

type StylesUpdated struct {
	Element json.RawMessage `json:"element"`
	Styles  json.RawMessage `json:"styles"`
	URL     string          `json:"url"`
}

type ElementRemoved struct {
	Element json.RawMessage `json:"element"`
	URL     string          `json:"url"`
}

type ChangesReset struct {
	URL string `json:"url"`
}

type PageSnapshot struct {
	URL      string          `json:"url"`
	Title    string          `json:"title"`
	Styles   json.RawMessage `json:"styles"`
	Elements json.RawMessage `json:"elements"`
}

type DOMChangesDetected struct {
	ChangeHistory json.RawMessage `json:"changeHistory"`
}

type RequestCodeRemoval struct {
	Element json.RawMessage `json:"element"`
	URL     string          `json:"url"`
}

type IntegrationConnect struct {
	IntegrationType string   `json:"integrationType"`
	ProjectRoot     string   `json:"projectRoot"`
	Capabilities    []string `json:"capabilities"`
}

type CodeRemovalComplete struct {
	SessionID string          `json:"sessionId"`
	Element   json.RawMessage `json:"element"`
	Method    string          `json:"method"`
	Success   bool            `json:"success"`
}

func (AgentRegister) messageType() string       { return TypeAgentRegister }
func (AgentStatus) messageType() string         { return TypeAgentStatus }
func (AgentHeartbeat) messageType() string      { return TypeAgentHeartbeat }
func (TaskCompletion) messageType() string      { return TypeTaskCompletion }
func (DecisionUpdate) messageType() string      { return TypeDecisionUpdate }
func (AgentError) messageType() string          { return TypeAgentError }
func (GetAgentStatus) messageType() string      { return TypeGetAgentStatus }
func (DOMEditorConnect) messageType() string    { return TypeDOMEditorConnect }
func (ElementSelected) messageType() string     { return TypeElementSelected }
func (StylesUpdated) messageType() string       { return TypeStylesUpdated }
func (ElementRemoved) messageType() string      { return TypeElementRemoved }
func (ChangesReset) messageType() string        { return TypeChangesReset }
func (PageSnapshot) messageType() string        { return TypePageSnapshot }
func (DOMChangesDetected) messageType() string  { return TypeDOMChangesDetected }
func (RequestCodeRemoval) messageType() string  { return TypeRequestCodeRemoval }
func (IntegrationConnect) messageType() string  { return TypeIntegrationConnect }
func (CodeRemovalComplete) messageType() string { return TypeCodeRemovalComplete }

// Decode parses a raw frame into its typed variant.
func Decode(raw []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	var msg Message
	switch envelope.Type {
	case TypeAgentRegister:
		msg = &AgentRegister{}
	case TypeAgentStatus:
		msg = &AgentStatus{}
	case TypeAgentHeartbeat:
		msg = &AgentHeartbeat{}
	case TypeTaskCompletion:
		msg = &TaskCompletion{}
	case TypeDecisionUpdate:
		msg = &DecisionUpdate{}
	case TypeAgentError:
		msg = &AgentError{}
	case TypeGetAgentStatus:
		msg = &GetAgentStatus{}
	case TypeDOMEditorConnect:
		msg = &DOMEditorConnect{}
	case TypeElementSelected:
		msg = &ElementSelected{}
	case TypeStylesUpdated:
		msg = &StylesUpdated{}
	case TypeElementRemoved:
		msg = &ElementRemoved{}
	case TypeChangesReset:
		msg = &ChangesReset{}
	case TypePageSnapshot:
		msg = &PageSnapshot{}
	case TypeDOMChangesDetected:
		msg = &DOMChangesDetected{}
	case TypeRequestCodeRemoval:
		msg = &RequestCodeRemoval{}
	case TypeIntegrationConnect:
		msg = &IntegrationConnect{}
	case TypeCodeRemovalComplete:
		msg = &CodeRemovalComplete{}
	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrUnknownType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", envelope.Type, err)
	}
	return msg, nil
}
