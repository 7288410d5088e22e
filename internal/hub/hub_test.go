package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/dechub/internal/activity"
	"github.com/basket/dechub/internal/bus"
	"github.com/basket/dechub/internal/domedit"
)

type fakeSock struct {
	mu   sync.Mutex
	sent []any
}

func (f *fakeSock) Send(_ context.Context, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeSock) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestHub(t *testing.T) (*Hub, *bus.Bus) {
	t.Helper()
	b := bus.New()
	tracker := activity.NewTracker(b, nil, activity.Options{})
	dom := domedit.NewManager(b, nil, domedit.Options{})
	return New(b, tracker, dom, nil, nil), b
}

func drainTopics(sub *bus.Subscription, wait time.Duration) []string {
	var topics []string
	for {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-time.After(wait):
			return topics
		}
	}
}

func TestDispatch_AgentLifecycle(t *testing.T) {
	h, b := newTestHub(t)
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	sock := &fakeSock{}
	ctx := context.Background()
	h.AddConnection(sock)

	h.Dispatch(ctx, sock, []byte(`{"type":"agent_register","agentId":"A1","decisionId":7}`))
	h.Dispatch(ctx, sock, []byte(`{"type":"agent_status","agentId":"A1","status":"working"}`))
	h.Dispatch(ctx, sock, []byte(`{"type":"agent_status","agentId":"A1","status":"debugging"}`))

	rec, ok := h.Registry.Agent("A1")
	if !ok {
		t.Fatal("agent record missing")
	}
	if rec.Status != "debugging" {
		t.Fatalf("status = %q, want debugging (last write wins)", rec.Status)
	}
	if rec.DecisionID != "7" {
		t.Fatalf("decisionId = %q, want 7", rec.DecisionID)
	}
	if got := len(h.Activity.History("A1", 0)); got != 2 {
		t.Fatalf("history entries = %d, want 2", got)
	}

	h.RemoveConnection(sock)

	if _, ok := h.Registry.Agent("A1"); ok {
		t.Fatal("agent record survived disconnect")
	}
	if _, ok := h.Activity.CurrentActivities()["A1"]; ok {
		t.Fatal("current activity survived disconnect")
	}

	disconnects := 0
	for _, topic := range drainTopics(sub, 50*time.Millisecond) {
		if topic == bus.TopicAgentDisconnected {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("disconnect broadcasts = %d, want 1", disconnects)
	}
}

func TestDispatch_ReregisterOverwrites(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	s1, s2 := &fakeSock{}, &fakeSock{}

	h.Dispatch(ctx, s1, []byte(`{"type":"agent_register","agentId":"A1"}`))
	h.Dispatch(ctx, s2, []byte(`{"type":"agent_register","agentId":"A1","decisionId":"9"}`))

	if got := len(h.Registry.Agents()); got != 1 {
		t.Fatalf("agent records = %d, want 1", got)
	}
	rec, _ := h.Registry.Agent("A1")
	if rec.DecisionID != "9" {
		t.Fatalf("decisionId = %q, want 9 (overwrite)", rec.DecisionID)
	}
	if found, ok := h.Registry.FindAgentBySocket(s2); !ok || found.AgentID != "A1" {
		t.Fatal("socket index not updated to the newer socket")
	}
	if _, ok := h.Registry.FindAgentBySocket(s1); ok {
		t.Fatal("stale socket index survived overwrite")
	}
}

func TestDispatch_MalformedAndUnknownFramesAreDropped(t *testing.T) {
	h, b := newTestHub(t)
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	sock := &fakeSock{}
	ctx := context.Background()

	h.Dispatch(ctx, sock, []byte(`{nonsense`))
	h.Dispatch(ctx, sock, []byte(`{"type":"teleport"}`))
	h.Dispatch(ctx, sock, []byte(`{"agentId":"no-type"}`))

	if topics := drainTopics(sub, 50*time.Millisecond); len(topics) != 0 {
		t.Fatalf("broadcasts after bad frames = %v, want none", topics)
	}

	// The dispatcher still works afterwards.
	h.Dispatch(ctx, sock, []byte(`{"type":"agent_register","agentId":"A1"}`))
	if _, ok := h.Registry.Agent("A1"); !ok {
		t.Fatal("dispatcher dead after malformed input")
	}
}

func TestDispatch_GetAgentStatusRepliesDirectly(t *testing.T) {
	h, b := newTestHub(t)
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	ctx := context.Background()

	agent := &fakeSock{}
	asker := &fakeSock{}
	h.Dispatch(ctx, agent, []byte(`{"type":"agent_register","agentId":"A1"}`))
	drainTopics(sub, 30*time.Millisecond)

	h.Dispatch(ctx, asker, []byte(`{"type":"get_agent_status"}`))

	if asker.count() != 1 {
		t.Fatalf("asker received %d messages, want 1", asker.count())
	}
	if topics := drainTopics(sub, 30*time.Millisecond); len(topics) != 0 {
		t.Fatalf("status query broadcast %v, want direct reply only", topics)
	}
}

func TestDispatch_DOMSessionFlow(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	tab := &fakeSock{}
	integration := &fakeSock{}

	h.Dispatch(ctx, tab, []byte(`{"type":"dom_editor_connect","url":"http://app"}`))
	h.Dispatch(ctx, tab, []byte(`{"type":"element_selected","element":{"tag":"div"},"url":"http://app"}`))
	h.Dispatch(ctx, tab, []byte(`{"type":"request_code_removal","element":{"tag":"div"},"url":"http://app"}`))
	h.Dispatch(ctx, integration, []byte(`{"type":"integration_connect","integrationType":"vscode","projectRoot":"/p","capabilities":["remove"]}`))

	sessions := h.DOM.ActiveSessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].PendingRemoval == nil {
		t.Fatal("pending removal not recorded")
	}

	frame := `{"type":"code_removal_complete","sessionId":"` + sessions[0].SessionID + `","element":{},"method":"patch","success":true}`
	h.Dispatch(ctx, integration, []byte(frame))

	if tab.count() != 1 {
		t.Fatalf("tab received %d direct messages, want 1", tab.count())
	}
	if h.DOM.ActiveSessions()[0].PendingRemoval != nil {
		t.Fatal("pending removal survived completion")
	}
}

func TestDispatch_DOMOpWithoutSessionIsNoop(t *testing.T) {
	h, _ := newTestHub(t)
	h.Dispatch(context.Background(), &fakeSock{}, []byte(`{"type":"element_selected","element":{},"url":"http://x"}`))
	// No panic, no session created.
	if h.DOM.SessionCount() != 0 {
		t.Fatal("session appeared from nowhere")
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	sock := &fakeSock{}
	r.AddClient(sock)
	r.RegisterAgent("A1", sock, "")

	if got := r.RemoveClient(sock); got != "A1" {
		t.Fatalf("first remove returned %q, want A1", got)
	}
	if got := r.RemoveClient(sock); got != "" {
		t.Fatalf("second remove returned %q, want empty", got)
	}
	if r.ClientCount() != 0 {
		t.Fatalf("clients = %d, want 0", r.ClientCount())
	}
}
