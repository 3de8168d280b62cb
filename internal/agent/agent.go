// Package agent ties the device components together: it brings up
// connectivity, keeps the device twin in sync, reacts to button
// gestures and serves the cloud's direct methods.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"edge-agent/internal/buffer"
	"edge-agent/internal/cloud"
	"edge-agent/internal/identity"
	"edge-agent/internal/settings"
	"edge-agent/internal/state"
	"edge-agent/internal/sysexec"
)

// CloudClient is the slice of the hub client the agent drives.
// *cloud.Client satisfies it.
type CloudClient interface {
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Close()
	SendMessage(payload []byte) error
	UpdateState(key string, value interface{}) error
	GetTwin(ctx context.Context) (map[string]interface{}, error)
	Provision(ctx context.Context, prov *settings.ProvisioningParameters, deviceID string, meta cloud.DeviceMetadata) (*settings.ConnectionParameters, error)
	UpdateParameters(p *settings.ConnectionParameters)
	RegisterDirectMethod(name string, handler cloud.DirectMethodHandler)
	Status() cloud.Status
}

// NetworkManager is the slice of the WiFi manager the agent drives.
// *netprov.Manager satisfies it.
type NetworkManager interface {
	HasSavedNetwork(ctx context.Context) (bool, error)
	StartAccessPoint(ctx context.Context) error
	StopAccessPoint(ctx context.Context) error
	ToggleAccessPoint(ctx context.Context) error
	InAccessPointMode() bool
	Connectivity(ctx context.Context) string
}

// SetupPortal is started while the device hosts its access point.
// *netprov.Portal satisfies it.
type SetupPortal interface {
	Start() error
	Stop(ctx context.Context) error
}

// Broadcaster relays devicebound messages to local applications.
// *ipcservice.Service satisfies it.
type Broadcaster interface {
	BroadcastCloudMessage(payload []byte)
}

const networkPollPeriod = 30 * time.Second

// Agent owns startup, shutdown and the event plumbing between
// components. Everything it reacts to arrives on the event bus.
type Agent struct {
	identity *identity.Identity
	store    *settings.Store
	states   *state.Manager
	bus      *state.EventBus
	cloud    CloudClient
	network  NetworkManager
	portal   SetupPortal
	ipc      Broadcaster
	outbox   *buffer.Buffer
	runner   sysexec.Runner
	logger   *slog.Logger

	// OnRestartRequired asks the supervisor for a process restart, for
	// example after provisioning succeeds. Optional.
	OnRestartRequired func(reason string)

	rebootDelay time.Duration
	linkWindow  time.Duration

	mu          sync.Mutex
	unsubs      []func()
	cancelLoops context.CancelFunc
	portalUp    bool
}

// Deps bundles the component handles for New.
type Deps struct {
	Identity *identity.Identity
	Store    *settings.Store
	States   *state.Manager
	Bus      *state.EventBus
	Cloud    CloudClient
	Network  NetworkManager
	Portal   SetupPortal
	IPC      Broadcaster
	Outbox   *buffer.Buffer
	Runner   sysexec.Runner
}

// New assembles the agent. IPC, Portal and Outbox may be nil.
func New(deps Deps, logger *slog.Logger) *Agent {
	return &Agent{
		identity:    deps.Identity,
		store:       deps.Store,
		states:      deps.States,
		bus:         deps.Bus,
		cloud:       deps.Cloud,
		network:     deps.Network,
		portal:      deps.Portal,
		ipc:         deps.IPC,
		outbox:      deps.Outbox,
		runner:      deps.Runner,
		logger:      logger.With("component", "agent"),
		rebootDelay: 2 * time.Second,
		linkWindow:  10 * time.Second,
	}
}

// Start brings the device up: identity checks, event subscriptions,
// network/AP decision and the cloud session. It returns once startup
// work is handed off; long-running work lives in goroutines tied to
// the agent's lifetime.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.store.EnsureIdentity(a.identity.UUID); err != nil {
		return err
	}

	a.states.UpdateSystemState("state", state.SystemStarting)
	a.states.UpdateSystemState("uuid", a.identity.UUID)
	a.states.UpdateSystemState("platform", a.identity.Platform)
	a.states.UpdateSystemState("board", a.identity.Board)
	a.states.UpdateSystemState("boardVersion", a.identity.BoardVersion)
	a.states.UpdateSystemState("version", a.identity.SoftwareVersion)

	a.registerDirectMethods()
	a.subscribe()

	loopCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancelLoops = cancel
	a.mu.Unlock()

	// WiFi decision: a device without a saved network can only be set
	// up through the access point.
	saved, err := a.network.HasSavedNetwork(ctx)
	if err != nil {
		a.logger.Warn("saved network check", "error", err)
	}
	if err == nil && !saved {
		a.enterSetupMode(ctx)
	}

	go a.networkLoop(loopCtx)
	go a.bringUpCloud(loopCtx)

	a.states.UpdateSystemState("state", state.SystemRunning)
	return nil
}

// Stop tears down subscriptions and the cloud session.
func (a *Agent) Stop() {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	if a.cancelLoops != nil {
		a.cancelLoops()
		a.cancelLoops = nil
	}
	a.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	a.leaveSetupMode(context.Background())
	a.cloud.Close()
}

func (a *Agent) subscribe() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unsubs = append(a.unsubs,
		a.bus.On(state.EventCloudStatus, a.handleCloudStatus),
		a.bus.On(state.EventCloudMessage, a.handleCloudMessage),
		a.bus.On(state.EventTwinDelta, a.handleTwinDelta),
		a.bus.On(state.EventButton, a.handleButton),
		a.bus.On(state.EventState, a.mirrorState),
	)
}

// bringUpCloud connects with stored credentials, or runs the
// provisioning handshake first when none exist.
func (a *Agent) bringUpCloud(ctx context.Context) {
	if a.store.HasConnectionParameters() {
		params, err := a.store.ConnectionParameters()
		if err != nil {
			a.logger.Error("load connection parameters", "error", err)
			return
		}
		a.states.UpdateConnectionState("provision", state.ProvisionProvisioned)
		a.cloud.UpdateParameters(params)
		if err := a.cloud.Connect(ctx); err != nil {
			a.logger.Warn("cloud connect", "error", err)
		}
		return
	}

	a.states.UpdateConnectionState("provision", state.ProvisionNotProvisioned)
	if err := a.provision(ctx); err != nil {
		a.logger.Error("provisioning", "error", err)
	}
}

// provision runs the fleet-provisioning handshake with the stored
// claim credentials and persists the issued parameters. On success the
// supervisor is asked to restart the process so it boots clean with
// the new credentials; without a supervisor hook the session is opened
// in-process.
func (a *Agent) provision(ctx context.Context) error {
	prov, err := a.store.ProvisioningParameters()
	if err != nil {
		return err
	}
	if !prov.Complete() {
		return settings.ErrIncompleteCredentials
	}

	params, err := a.cloud.Provision(ctx, prov, a.identity.UUID, cloud.DeviceMetadata{
		UUID:    a.identity.UUID,
		Board:   a.identity.Board,
		Version: a.identity.SoftwareVersion,
	})
	if err != nil {
		return err
	}
	if err := a.store.SetConnectionParameters(params); err != nil {
		return err
	}
	a.logger.Info("provisioning complete", "deviceId", params.DeviceID)

	if a.OnRestartRequired != nil {
		a.OnRestartRequired("provisioned")
		return nil
	}
	a.cloud.UpdateParameters(params)
	return a.cloud.Connect(ctx)
}

// OnNetworkConnected resumes normal operation after the setup portal
// joined a WiFi network. The portal has already torn down the access
// point by the time it runs its continuation; this stops the portal
// server and runs cloud bring-up again, provisioning first when the
// device has no issued credentials yet.
func (a *Agent) OnNetworkConnected() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	a.leaveSetupMode(ctx)
	a.bringUpCloud(ctx)
}

// networkLoop tracks WiFi reachability into the connection state.
func (a *Agent) networkLoop(ctx context.Context) {
	ticker := time.NewTicker(networkPollPeriod)
	defer ticker.Stop()
	for {
		a.states.UpdateConnectionState("network", a.network.Connectivity(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) enterSetupMode(ctx context.Context) {
	if err := a.network.StartAccessPoint(ctx); err != nil {
		a.logger.Error("start access point", "error", err)
		return
	}
	a.mu.Lock()
	start := a.portal != nil && !a.portalUp
	if start {
		a.portalUp = true
	}
	a.mu.Unlock()
	if start {
		if err := a.portal.Start(); err != nil {
			a.logger.Error("start portal", "error", err)
		}
	}
}

func (a *Agent) leaveSetupMode(ctx context.Context) {
	a.mu.Lock()
	stop := a.portal != nil && a.portalUp
	a.portalUp = false
	a.mu.Unlock()
	if stop {
		if err := a.portal.Stop(ctx); err != nil {
			a.logger.Warn("stop portal", "error", err)
		}
	}
	if err := a.network.StopAccessPoint(ctx); err != nil {
		a.logger.Warn("stop access point", "error", err)
	}
}

// handleCloudStatus maps hub session events into the connection
// sub-state.
func (a *Agent) handleCloudStatus(e state.Event) {
	data, ok := e.Data.(map[string]interface{})
	if !ok {
		return
	}
	if v, ok := data["connection"].(string); ok {
		a.states.UpdateConnectionState("connection", v)
	}
	if v, ok := data["provision"].(string); ok {
		a.states.UpdateConnectionState("provision", v)
	}
}

// handleCloudMessage relays devicebound messages to local applications
// and gives audible feedback.
func (a *Agent) handleCloudMessage(e state.Event) {
	payload, ok := e.Data.(json.RawMessage)
	if !ok {
		return
	}
	if a.ipc != nil {
		a.ipc.BroadcastCloudMessage(payload)
	}
	a.states.InterruptIndicators("beep")
}

// handleTwinDelta applies desired properties the agent owns and
// acknowledges them as reported.
func (a *Agent) handleTwinDelta(e state.Event) {
	delta, ok := e.Data.(map[string]interface{})
	if !ok {
		return
	}
	desired, ok := delta["desired"].(map[string]interface{})
	if !ok {
		desired = delta
	}
	for key, value := range desired {
		if err := a.cloud.UpdateState(key, value); err != nil {
			a.logger.Warn("twin delta ack", "key", key, "error", err)
			return
		}
	}
}

// handleButton maps press gestures to actions: click beeps and
// identifies the device locally, hold toggles setup mode, long-hold
// wipes the connection credentials and reboots into provisioning.
func (a *Agent) handleButton(e state.Event) {
	data, ok := e.Data.(map[string]interface{})
	if !ok {
		return
	}
	kind, _ := data["kind"].(string)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch kind {
	case "click":
		a.states.InterruptIndicators("identify")
	case "hold":
		wasUp := a.network.InAccessPointMode()
		if err := a.network.ToggleAccessPoint(ctx); err != nil {
			a.logger.Warn("toggle access point", "error", err)
			a.states.InterruptIndicators("beep")
			return
		}
		if wasUp {
			a.leaveSetupMode(ctx)
		} else {
			a.enterSetupMode(ctx)
		}
	case "long-hold":
		a.logger.Warn("factory reset requested via button")
		if err := a.store.ClearConnectionParameters(); err != nil {
			a.logger.Error("clear connection parameters", "error", err)
			return
		}
		a.reboot()
	}
}

// mirrorState reports the aggregate device state into the twin. Not
// fatal while offline; the next connect reports a fresh snapshot.
func (a *Agent) mirrorState(e state.Event) {
	snapshot, ok := e.Data.(state.DeviceState)
	if !ok {
		return
	}
	if !a.cloud.Status().Connected {
		return
	}
	if err := a.cloud.UpdateState("device", snapshot); err != nil && !errors.Is(err, cloud.ErrNotConnected) {
		a.logger.Debug("twin state mirror", "error", err)
	}
}

// SendMessage publishes an application message, falling back to the
// offline buffer when there is no session. This is the uplink handed
// to the IPC service and the rules engine.
func (a *Agent) SendMessage(payload []byte) error {
	err := a.cloud.SendMessage(payload)
	if err == nil {
		return nil
	}
	if errors.Is(err, cloud.ErrNotConnected) && a.outbox != nil {
		return a.outbox.Enqueue(payload)
	}
	return err
}

// Identify plays the identify pattern. Satisfies the rules engine's
// action surface together with SendMessage.
func (a *Agent) Identify() {
	a.states.InterruptIndicators("identify")
}

func (a *Agent) reboot() {
	a.states.UpdateSystemState("state", state.SystemRestarting)
	time.AfterFunc(a.rebootDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.runner.Run(ctx, "systemctl", "reboot"); err != nil {
			a.logger.Error("reboot", "error", err)
		}
	})
}
