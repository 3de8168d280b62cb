package state

import (
	"log/slog"
	"sync"
	"time"
)

// System states.
const (
	SystemStarting   = "starting"
	SystemRunning    = "running"
	SystemUpdating   = "updating"
	SystemRestarting = "restarting"
	SystemUnknown    = "unknown"
)

// Provisioning states.
const (
	ProvisionUnknown        = "unknown"
	ProvisionProvisioning   = "provisioning"
	ProvisionProvisioned    = "provisioned"
	ProvisionDisabled       = "disabled"
	ProvisionNotProvisioned = "not-provisioned"
)

// Connection states.
const (
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
	ConnDisconnected = "disconnected"
	ConnUnknown      = "unknown"
)

// Network states.
const (
	NetworkConnected    = "connected"
	NetworkDisconnected = "disconnected"
	NetworkUnknown      = "unknown"
)

// SystemState describes the host system.
type SystemState struct {
	Platform     string `json:"platform"`
	Version      string `json:"version"`
	Board        string `json:"board"`
	BoardVersion string `json:"boardVersion"`
	UUID         string `json:"uuid"`
	State        string `json:"state"`
}

// ConnectionState describes connectivity and provisioning.
type ConnectionState struct {
	State      string `json:"state"`
	Provision  string `json:"provision"`
	Connection string `json:"connection"`
	Network    string `json:"network"`
}

// ApplicationState describes the co-located application process.
type ApplicationState struct {
	State       string `json:"state"`
	Connection  string `json:"connection"`
	Name        string `json:"name,omitempty"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// DeviceState is the aggregate owned by the Manager.
type DeviceState struct {
	System      SystemState      `json:"system"`
	Connection  ConnectionState  `json:"connection"`
	Application ApplicationState `json:"application"`
}

// Indicator drives the physical status indicators. SetPattern replaces
// the ambient pattern; PlayInterrupt plays a transient pattern once.
type Indicator interface {
	SetPattern(name string)
	PlayInterrupt(name string)
}

// Manager is the single authority for DeviceState. Every mutation of
// the system or connection sub-state re-derives the indicator pattern
// and emits a "state" event carrying the full aggregate.
type Manager struct {
	bus       *EventBus
	indicator Indicator
	logger    *slog.Logger

	// restoreDelay is how long a transient interrupt pattern plays
	// before the ambient pattern is restored.
	restoreDelay time.Duration

	mu    sync.Mutex
	state DeviceState
}

// NewManager creates a state manager with all sub-states unknown.
func NewManager(bus *EventBus, indicator Indicator, logger *slog.Logger) *Manager {
	return &Manager{
		bus:          bus,
		indicator:    indicator,
		logger:       logger.With("component", "state"),
		restoreDelay: time.Second,
		state: DeviceState{
			System: SystemState{State: SystemUnknown},
			Connection: ConnectionState{
				State:      SystemUnknown,
				Provision:  ProvisionUnknown,
				Connection: ConnUnknown,
				Network:    NetworkUnknown,
			},
			Application: ApplicationState{State: SystemUnknown, Connection: ConnUnknown},
		},
	}
}

// State returns a copy of the current aggregate.
func (m *Manager) State() DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UpdateSystemState mutates one field of the system sub-state.
// Unrecognized keys are silently ignored.
func (m *Manager) UpdateSystemState(key, value string) {
	m.mu.Lock()
	switch key {
	case "state":
		m.state.System.State = value
	case "platform":
		m.state.System.Platform = value
	case "version":
		m.state.System.Version = value
	case "board":
		m.state.System.Board = value
	case "boardVersion":
		m.state.System.BoardVersion = value
	case "uuid":
		m.state.System.UUID = value
	default:
		m.mu.Unlock()
		return
	}
	snapshot := m.state
	m.mu.Unlock()

	m.applyIndicator(snapshot)
	m.bus.Emit(Event{Type: EventState, Data: snapshot})
}

// UpdateConnectionState mutates one field of the connection sub-state.
// Unrecognized keys are silently ignored.
func (m *Manager) UpdateConnectionState(key, value string) {
	m.mu.Lock()
	switch key {
	case "state":
		m.state.Connection.State = value
	case "provision":
		m.state.Connection.Provision = value
	case "connection":
		m.state.Connection.Connection = value
	case "network":
		m.state.Connection.Network = value
	default:
		m.mu.Unlock()
		return
	}
	snapshot := m.state
	m.mu.Unlock()

	m.applyIndicator(snapshot)
	m.bus.Emit(Event{Type: EventState, Data: snapshot})
}

// UpdateApplicationState mutates one field of the application
// sub-state. Application health is reported to the cloud but does not
// drive the physical indicator, so no pattern re-derivation happens
// here. Unrecognized keys are silently ignored.
func (m *Manager) UpdateApplicationState(key, value string) {
	m.mu.Lock()
	switch key {
	case "state":
		m.state.Application.State = value
	case "connection":
		m.state.Application.Connection = value
	case "name":
		m.state.Application.Name = value
	case "version":
		m.state.Application.Version = value
	case "description":
		m.state.Application.Description = value
	default:
		m.mu.Unlock()
		return
	}
	snapshot := m.state
	m.mu.Unlock()

	m.bus.Emit(Event{Type: EventState, Data: snapshot})
}

// InterruptIndicators plays a transient pattern for momentary feedback
// and restores the ambient pattern derived from the current state
// afterwards.
func (m *Manager) InterruptIndicators(event string) {
	switch event {
	case "identify", "beep":
		m.indicator.PlayInterrupt(event)
	default:
		m.indicator.PlayInterrupt("beep")
	}

	time.AfterFunc(m.restoreDelay, func() {
		m.applyIndicator(m.State())
	})
}

func (m *Manager) applyIndicator(s DeviceState) {
	if pattern := DerivePattern(s); pattern != "" {
		m.indicator.SetPattern(pattern)
	}
}

// DerivePattern maps the aggregate state to an indicator pattern. It is
// a strict priority chain: a non-running system always wins, then the
// provisioning status selects between connection-keyed patterns and the
// provisioning pattern. An empty result means the ambient pattern is
// left unchanged.
func DerivePattern(s DeviceState) string {
	if s.System.State != SystemRunning {
		switch s.System.State {
		case SystemUpdating:
			return "updating"
		case SystemRestarting:
			return "restarting"
		case SystemStarting:
			return "starting"
		default:
			return "error"
		}
	}

	switch s.Connection.Provision {
	case ProvisionDisabled, ProvisionProvisioned:
		switch s.Connection.Connection {
		case ConnConnecting:
			return "connecting"
		case ConnConnected:
			return "connected"
		default:
			return "disconnected"
		}
	case ProvisionProvisioning:
		return "provisioning"
	}
	return ""
}
