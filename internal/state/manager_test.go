package state

import (
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeIndicator struct {
	mu         sync.Mutex
	patterns   []string
	interrupts []string
}

func (f *fakeIndicator) SetPattern(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, name)
}

func (f *fakeIndicator) PlayInterrupt(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, name)
}

func (f *fakeIndicator) lastPattern() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.patterns) == 0 {
		return ""
	}
	return f.patterns[len(f.patterns)-1]
}

func newTestManager(t *testing.T) (*Manager, *fakeIndicator, *EventBus) {
	t.Helper()
	bus := NewEventBus(slog.Default())
	ind := &fakeIndicator{}
	m := NewManager(bus, ind, slog.Default())
	return m, ind, bus
}

func TestDerivePattern(t *testing.T) {
	tests := []struct {
		name  string
		state DeviceState
		want  string
	}{
		{
			name:  "system not running wins over everything",
			state: DeviceState{System: SystemState{State: SystemUpdating}, Connection: ConnectionState{Provision: ProvisionProvisioned, Connection: ConnConnected}},
			want:  "updating",
		},
		{
			name:  "restarting",
			state: DeviceState{System: SystemState{State: SystemRestarting}},
			want:  "restarting",
		},
		{
			name:  "unknown system state maps to error",
			state: DeviceState{System: SystemState{State: SystemUnknown}},
			want:  "error",
		},
		{
			name:  "provisioned connected",
			state: DeviceState{System: SystemState{State: SystemRunning}, Connection: ConnectionState{Provision: ProvisionProvisioned, Connection: ConnConnected}},
			want:  "connected",
		},
		{
			name:  "disabled uses connection key too",
			state: DeviceState{System: SystemState{State: SystemRunning}, Connection: ConnectionState{Provision: ProvisionDisabled, Connection: ConnConnecting}},
			want:  "connecting",
		},
		{
			name:  "provisioned disconnected",
			state: DeviceState{System: SystemState{State: SystemRunning}, Connection: ConnectionState{Provision: ProvisionProvisioned, Connection: ConnDisconnected}},
			want:  "disconnected",
		},
		{
			name:  "provisioning pattern",
			state: DeviceState{System: SystemState{State: SystemRunning}, Connection: ConnectionState{Provision: ProvisionProvisioning, Connection: ConnDisconnected}},
			want:  "provisioning",
		},
		{
			name:  "not provisioned leaves pattern unchanged",
			state: DeviceState{System: SystemState{State: SystemRunning}, Connection: ConnectionState{Provision: ProvisionNotProvisioned}},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DerivePattern(tt.state); got != tt.want {
				t.Errorf("DerivePattern() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUpdateEmitsStateEvent(t *testing.T) {
	m, _, bus := newTestManager(t)

	var events []DeviceState
	bus.On(EventState, func(e Event) {
		events = append(events, e.Data.(DeviceState))
	})

	m.UpdateSystemState("state", SystemRunning)
	m.UpdateConnectionState("provision", ProvisionProvisioned)
	m.UpdateConnectionState("connection", ConnConnected)

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	last := events[2]
	if last.System.State != SystemRunning {
		t.Errorf("system.state = %q", last.System.State)
	}
	if last.Connection.Connection != ConnConnected {
		t.Errorf("connection.connection = %q", last.Connection.Connection)
	}
}

func TestUnknownKeySilentlyIgnored(t *testing.T) {
	m, _, bus := newTestManager(t)

	emitted := 0
	bus.On(EventState, func(Event) { emitted++ })

	m.UpdateSystemState("bogus", "x")
	m.UpdateConnectionState("bogus", "x")
	m.UpdateApplicationState("bogus", "x")

	if emitted != 0 {
		t.Errorf("unknown keys emitted %d events, want 0", emitted)
	}
}

func TestApplicationUpdateDoesNotTouchIndicator(t *testing.T) {
	m, ind, _ := newTestManager(t)

	m.UpdateApplicationState("state", "error")
	if len(ind.patterns) != 0 {
		t.Errorf("application update drove indicator: %v", ind.patterns)
	}
}

func TestApplicationIdentityKeys(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.UpdateApplicationState("name", "sensor-app")
	m.UpdateApplicationState("version", "2.0.1")
	m.UpdateApplicationState("description", "room sensor")

	app := m.State().Application
	if app.Name != "sensor-app" || app.Version != "2.0.1" || app.Description != "room sensor" {
		t.Errorf("application = %+v", app)
	}
}

func TestConnectionUpdateDrivesIndicator(t *testing.T) {
	m, ind, _ := newTestManager(t)

	m.UpdateSystemState("state", SystemRunning)
	m.UpdateConnectionState("provision", ProvisionProvisioned)
	m.UpdateConnectionState("connection", ConnConnecting)

	if got := ind.lastPattern(); got != "connecting" {
		t.Errorf("pattern = %q, want %q", got, "connecting")
	}
}

func TestInterruptRestoresSteadyState(t *testing.T) {
	m, ind, _ := newTestManager(t)
	m.restoreDelay = 10 * time.Millisecond

	m.UpdateSystemState("state", SystemRunning)
	m.UpdateConnectionState("provision", ProvisionProvisioned)
	m.UpdateConnectionState("connection", ConnConnected)

	ind.mu.Lock()
	before := len(ind.patterns)
	ind.mu.Unlock()

	m.InterruptIndicators("identify")

	ind.mu.Lock()
	if len(ind.interrupts) != 1 || ind.interrupts[0] != "identify" {
		t.Errorf("interrupts = %v", ind.interrupts)
	}
	ind.mu.Unlock()

	// Wait past the restore delay; the ambient pattern must be the one
	// derived from the current state, not the interrupt pattern.
	deadline := time.After(time.Second)
	for {
		ind.mu.Lock()
		restored := len(ind.patterns) > before
		last := ""
		if restored {
			last = ind.patterns[len(ind.patterns)-1]
		}
		ind.mu.Unlock()
		if restored {
			if last != "connected" {
				t.Fatalf("restored pattern = %q, want %q", last, "connected")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("steady pattern not restored, patterns=%v", ind.patterns)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUnknownInterruptDefaultsToBeep(t *testing.T) {
	m, ind, _ := newTestManager(t)
	m.restoreDelay = time.Hour // keep restore out of the way

	m.InterruptIndicators("whatever")

	ind.mu.Lock()
	defer ind.mu.Unlock()
	if len(ind.interrupts) != 1 || ind.interrupts[0] != "beep" {
		t.Errorf("interrupts = %v, want [beep]", ind.interrupts)
	}
}
