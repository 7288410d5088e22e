package protocol

import "time"

// Outbound broadcast type discriminators. Inbound event kinds are echoed
// back under the same name with a timestamp stamped on; the rest are
// hub-generated signals.
const (
	TypeActivity             = "activity"
	TypeActivityReset        = "activity-reset"
	TypeUpdate               = "update"
	TypeAgentRegistered      = "agent_registered"
	TypeAgentDisconnected    = "agent_disconnected"
	TypeDOMEditorConnected   = "dom_editor_connected"
	TypeDOMEditorDisconnect  = "dom_editor_disconnected"
	TypeAgentStatusReport    = "agent_status_report"
	TypeCodeRemovalRequested = "code_removal_requested"
	TypeCodeRemovalTimeout   = "code_removal_timeout"
	TypeIntegrationConnected = "integration_connected"
)

// Envelope builds an outbound payload: the given fields plus "type" and
// an RFC 3339 "timestamp". Fields named "type" or "timestamp" in the
// input are overwritten.
func Envelope(msgType string, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["type"] = msgType
	out["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	return out
}

// Signal builds an outbound payload with no fields beyond the envelope.
func Signal(msgType string) map[string]any {
	return Envelope(msgType, nil)
}
