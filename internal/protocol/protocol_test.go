package protocol

import (
	"errors"
	"testing"
)

func TestDecode_AgentRegister(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"agent_register","agentId":"a1","decisionId":7}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	reg, ok := msg.(*AgentRegister)
	if !ok {
		t.Fatalf("decoded %T, want *AgentRegister", msg)
	}
	if reg.AgentID != "a1" {
		t.Fatalf("agentId = %q, want a1", reg.AgentID)
	}
	if reg.DecisionID != "7" {
		t.Fatalf("decisionId = %q, want 7", reg.DecisionID)
	}
}

func TestDecode_DecisionIDString(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"decision_update","agentId":"a1","decisionId":"ADR-12","message":"m"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	upd := msg.(*DecisionUpdate)
	if upd.DecisionID != "ADR-12" {
		t.Fatalf("decisionId = %q, want ADR-12", upd.DecisionID)
	}
}

func TestDecode_AllKnownTypes(t *testing.T) {
	frames := map[string]string{
		TypeAgentStatus:         `{"type":"agent_status","agentId":"a","status":"working"}`,
		TypeAgentHeartbeat:      `{"type":"agent_heartbeat","agentId":"a"}`,
		TypeTaskCompletion:      `{"type":"task_completion","agentId":"a","taskDescription":"t"}`,
		TypeAgentError:          `{"type":"agent_error","agentId":"a","message":"boom"}`,
		TypeGetAgentStatus:      `{"type":"get_agent_status"}`,
		TypeDOMEditorConnect:    `{"type":"dom_editor_connect","url":"http://x"}`,
		TypeElementSelected:     `{"type":"element_selected","element":{"tag":"div"},"url":"http://x"}`,
		TypeStylesUpdated:       `{"type":"styles_updated","element":{},"styles":{"color":"red"},"url":"http://x"}`,
		TypeElementRemoved:      `{"type":"element_removed","element":{},"url":"http://x"}`,
		TypeChangesReset:        `{"type":"changes_reset","url":"http://x"}`,
		TypePageSnapshot:        `{"type":"page_snapshot","url":"http://x","title":"T","styles":{},"elements":[]}`,
		TypeDOMChangesDetected:  `{"type":"dom_changes_detected","changeHistory":[]}`,
		TypeRequestCodeRemoval:  `{"type":"request_code_removal","element":{},"url":"http://x"}`,
		TypeIntegrationConnect:  `{"type":"integration_connect","integrationType":"vscode","projectRoot":"/p","capabilities":["remove"]}`,
		TypeCodeRemovalComplete: `{"type":"code_removal_complete","sessionId":"s1","element":{},"method":"patch","success":true}`,
	}
	for wantType, frame := range frames {
		msg, err := Decode([]byte(frame))
		if err != nil {
			t.Fatalf("decode %s: %v", wantType, err)
		}
		if got := msg.messageType(); got != wantType {
			t.Fatalf("decoded type %q, want %q", got, wantType)
		}
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport","agentId":"a"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecode_MissingType(t *testing.T) {
	_, err := Decode([]byte(`{"agentId":"a"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{nope`)); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Decode([]byte(`{"type":"agent_register","decisionId":{"bad":1}}`)); err == nil {
		t.Fatal("expected decision id error")
	}
}

func TestEnvelope(t *testing.T) {
	out := Envelope(TypeActivity, map[string]any{"agentId": "a"})
	if out["type"] != TypeActivity {
		t.Fatalf("type = %v", out["type"])
	}
	if out["agentId"] != "a" {
		t.Fatalf("agentId = %v", out["agentId"])
	}
	if _, ok := out["timestamp"].(string); !ok {
		t.Fatal("timestamp missing")
	}
}
