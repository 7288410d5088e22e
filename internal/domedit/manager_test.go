package domedit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/dechub/internal/bus"
	"github.com/basket/dechub/internal/protocol"
)

type fakeSock struct {
	mu   sync.Mutex
	sent []map[string]any
	fail bool
}

func (f *fakeSock) Send(_ context.Context, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	if m, ok := payload.(map[string]any); ok {
		f.sent = append(f.sent, m)
	}
	return nil
}

func (f *fakeSock) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if t, ok := m["type"].(string); ok {
			out = append(out, t)
		}
	}
	return out
}

func newTestManager(t *testing.T, opts Options) (*Manager, *bus.Subscription) {
	t.Helper()
	b := bus.New()
	sub := b.Subscribe("dom.")
	t.Cleanup(func() { b.Unsubscribe(sub) })
	return NewManager(b, nil, opts), sub
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

var elem = json.RawMessage(`{"tag":"div","id":"hero"}`)

func TestConnect_TwoSessionsOneSocket(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	sock := &fakeSock{}

	s1 := m.Connect(sock, "http://a")
	s2 := m.Connect(sock, "http://b")

	if s1.ID == s2.ID {
		t.Fatal("second connect reused the session id")
	}
	if m.SessionCount() != 2 {
		t.Fatalf("session count = %d, want 2", m.SessionCount())
	}

	// Socket-resolved operations address the most recent session.
	if err := m.SelectElement(sock, elem, "http://b"); err != nil {
		t.Fatalf("select: %v", err)
	}
	changes, err := m.SessionChanges(s2.ID, 0)
	if err != nil || len(changes) != 1 {
		t.Fatalf("latest session changes = %v (%v), want 1 entry", changes, err)
	}
	if older, _ := m.SessionChanges(s1.ID, 0); len(older) != 0 {
		t.Fatalf("older session got %d changes, want 0", len(older))
	}
}

func TestOperations_NoSessionIsError(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	if err := m.SelectElement(&fakeSock{}, elem, "http://x"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestRecentChangeRing_Bounded(t *testing.T) {
	m, _ := newTestManager(t, Options{RecentLimit: 3})
	sock := &fakeSock{}
	m.Connect(sock, "http://a")

	for i := 0; i < 7; i++ {
		if err := m.RemoveElement(sock, elem, "http://a"); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}

	if got := len(m.RecentChanges(0)); got != 3 {
		t.Fatalf("ring length = %d, want 3", got)
	}
	if got := len(m.RecentChanges(2)); got != 2 {
		t.Fatalf("limited ring length = %d, want 2", got)
	}
}

func TestRemoval_TwoPhase(t *testing.T) {
	m, sub := newTestManager(t, Options{})
	sock := &fakeSock{}
	s := m.Connect(sock, "http://a")
	drainTopics(sub, 20*time.Millisecond)

	if err := m.RequestRemoval(sock, elem, "http://a"); err != nil {
		t.Fatalf("request: %v", err)
	}
	topics := drainTopics(sub, 50*time.Millisecond)
	if len(topics) != 1 || topics[0] != bus.TopicDOMRemovalRequested {
		t.Fatalf("topics = %v, want [%s]", topics, bus.TopicDOMRemovalRequested)
	}

	err := m.CompleteRemoval(context.Background(), &protocol.CodeRemovalComplete{
		SessionID: s.ID,
		Element:   elem,
		Method:    "patch",
		Success:   true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	types := sock.sentTypes()
	if len(types) != 1 || types[0] != protocol.TypeCodeRemovalComplete {
		t.Fatalf("session socket received %v, want [code_removal_complete]", types)
	}

	// Pending record is gone.
	for _, summary := range m.ActiveSessions() {
		if summary.PendingRemoval != nil {
			t.Fatal("pending removal survived completion")
		}
	}
}

func TestRemoval_UnansweredStaysPending(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	sock := &fakeSock{}
	s := m.Connect(sock, "http://a")

	if err := m.RequestRemoval(sock, elem, "http://a"); err != nil {
		t.Fatalf("request: %v", err)
	}

	summaries := m.ActiveSessions()
	if len(summaries) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(summaries))
	}
	if summaries[0].PendingRemoval == nil || summaries[0].PendingRemoval.SessionID != s.ID {
		t.Fatalf("pending removal not listed: %+v", summaries[0])
	}
}

func TestRemoval_CompletionForUnknownSessionIsNoop(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	err := m.CompleteRemoval(context.Background(), &protocol.CodeRemovalComplete{SessionID: "ghost"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRemoval_Timeout(t *testing.T) {
	m, _ := newTestManager(t, Options{RemovalTimeout: 40 * time.Millisecond})
	sock := &fakeSock{}
	m.Connect(sock, "http://a")

	if err := m.RequestRemoval(sock, elem, "http://a"); err != nil {
		t.Fatalf("request: %v", err)
	}

	time.Sleep(120 * time.Millisecond)

	for _, summary := range m.ActiveSessions() {
		if summary.PendingRemoval != nil {
			t.Fatal("pending removal survived timeout")
		}
	}
	types := sock.sentTypes()
	if len(types) != 1 || types[0] != protocol.TypeCodeRemovalTimeout {
		t.Fatalf("session socket received %v, want [code_removal_timeout]", types)
	}
}

func TestIntegration_LastWriterWins(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	m.RegisterIntegration(&fakeSock{}, "vscode", "/old", []string{"remove"})
	m.RegisterIntegration(&fakeSock{}, "vscode", "/new", []string{"remove", "refactor"})

	ins := m.Integrations()
	if len(ins) != 1 {
		t.Fatalf("integrations = %d, want 1", len(ins))
	}
	if ins[0].ProjectRoot != "/new" {
		t.Fatalf("projectRoot = %q, want /new", ins[0].ProjectRoot)
	}
}

func TestRemoveBySocket(t *testing.T) {
	m, sub := newTestManager(t, Options{})
	sock := &fakeSock{}
	other := &fakeSock{}
	m.Connect(sock, "http://a")
	m.Connect(sock, "http://b")
	m.Connect(other, "http://c")
	m.RegisterIntegration(sock, "vscode", "/p", nil)
	drainTopics(sub, 20*time.Millisecond)

	m.RemoveBySocket(sock)
	m.RemoveBySocket(sock) // idempotent

	if m.SessionCount() != 1 {
		t.Fatalf("session count = %d, want 1", m.SessionCount())
	}
	if len(m.Integrations()) != 0 {
		t.Fatal("integration survived socket removal")
	}

	disconnects := 0
	for _, topic := range drainTopics(sub, 50*time.Millisecond) {
		if topic == bus.TopicDOMDisconnected {
			disconnects++
		}
	}
	if disconnects != 2 {
		t.Fatalf("disconnect broadcasts = %d, want 2", disconnects)
	}
}

func TestSendToSession(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	sock := &fakeSock{}
	s := m.Connect(sock, "http://a")

	if err := m.SendToSession(context.Background(), s.ID, map[string]any{"type": "nudge"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := m.SendToSession(context.Background(), "ghost", nil); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestRecordSnapshotKeepsTitle(t *testing.T) {
	m, sub := newTestManager(t, Options{})
	sock := &fakeSock{}
	m.Connect(sock, "https://app.test/home")
	drainTopics(sub, 50*time.Millisecond)

	styles := json.RawMessage(`{"body":{"margin":"0"}}`)
	elements := json.RawMessage(`[{"tag":"main"}]`)
	if err := m.RecordSnapshot(sock, "https://app.test/home", "Home", styles, elements); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}

	recent := m.RecentChanges(0)
	if len(recent) != 1 {
		t.Fatalf("recent = %d records, want 1", len(recent))
	}
	if recent[0].Title != "Home" {
		t.Errorf("stored title = %q, want %q", recent[0].Title, "Home")
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(map[string]any)
		if payload["title"] != "Home" {
			t.Errorf("broadcast title = %v, want %q", payload["title"], "Home")
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot broadcast")
	}
}
