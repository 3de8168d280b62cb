package rules

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"edge-agent/internal/state"
)

type fakeActions struct {
	mu         sync.Mutex
	sent       [][]byte
	identifies int
}

func (f *fakeActions) SendMessage(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeActions) Identify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identifies++
}

func (f *fakeActions) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeActions) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func newTestEngine(t *testing.T) (*Engine, *state.EventBus, *fakeActions) {
	t.Helper()
	bus := state.NewEventBus(slog.Default())
	actions := &fakeActions{}
	e := NewEngine(bus, actions, slog.Default())
	e.Start()
	t.Cleanup(e.Stop)
	return e, bus, actions
}

func TestRuleReceivesEvent(t *testing.T) {
	e, bus, actions := newTestEngine(t)

	script := `
		agent.on("cloud_message", function(event)
			agent.send({ echo = event.body })
		end)
	`
	if err := e.LoadScript("echo", script); err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	bus.Emit(state.Event{Type: state.EventCloudMessage, Data: map[string]interface{}{"body": "hello"}})

	waitFor(t, func() bool { return actions.sentCount() == 1 })
	var got map[string]string
	if err := json.Unmarshal(actions.lastSent(), &got); err != nil {
		t.Fatal(err)
	}
	if got["echo"] != "hello" {
		t.Errorf("payload = %s", actions.lastSent())
	}
}

func TestRuleIgnoresOtherEvents(t *testing.T) {
	e, bus, actions := newTestEngine(t)

	script := `agent.on("button", function(event) agent.identify() end)`
	if err := e.LoadScript("btn", script); err != nil {
		t.Fatal(err)
	}

	bus.Emit(state.Event{Type: state.EventCloudMessage, Data: map[string]interface{}{"body": "x"}})
	bus.Emit(state.Event{Type: state.EventButton, Data: map[string]interface{}{"kind": "click"}})

	waitFor(t, func() bool {
		actions.mu.Lock()
		defer actions.mu.Unlock()
		return actions.identifies == 1
	})
	if actions.sentCount() != 0 {
		t.Error("unrelated event triggered a send")
	}
}

func TestLoadScriptReplacesOld(t *testing.T) {
	e, bus, actions := newTestEngine(t)

	old := `agent.on("button", function(e) agent.send({ v = "old" }) end)`
	if err := e.LoadScript("r", old); err != nil {
		t.Fatal(err)
	}
	updated := `agent.on("button", function(e) agent.send({ v = "new" }) end)`
	if err := e.LoadScript("r", updated); err != nil {
		t.Fatal(err)
	}

	bus.Emit(state.Event{Type: state.EventButton, Data: map[string]interface{}{"kind": "click"}})

	waitFor(t, func() bool { return actions.sentCount() == 1 })
	if string(actions.lastSent()) != `{"v":"new"}` {
		t.Errorf("payload = %s", actions.lastSent())
	}
}

func TestSandboxBlocksOS(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if err := e.LoadScript("bad", `os.exit(1)`); err == nil {
		t.Fatal("script reached os.exit")
	}
}

func TestScriptErrorSurfaces(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if err := e.LoadScript("syntax", `agent.on(`); err == nil {
		t.Fatal("syntax error not reported")
	}
}

func TestLoadDir(t *testing.T) {
	e, bus, actions := newTestEngine(t)

	dir := t.TempDir()
	script := `agent.on("provisioned", function(e) agent.identify() end)`
	if err := os.WriteFile(filepath.Join(dir, "01-hello.lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not lua"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := e.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	bus.Emit(state.Event{Type: state.EventProvisioned})
	waitFor(t, func() bool {
		actions.mu.Lock()
		defer actions.mu.Unlock()
		return actions.identifies == 1
	})
}

func TestLoadDirMissingIsNotError(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.LoadDir(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("missing dir: %v", err)
	}
}
