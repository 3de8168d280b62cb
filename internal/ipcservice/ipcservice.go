// Package ipcservice exposes the agent to local applications over
// D-Bus. Applications report their identity and health, hand messages
// to the cloud uplink, and receive devicebound messages as signals.
package ipcservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"edge-agent/internal/cloud"
)

const (
	// BusName is the well-known name the agent claims.
	BusName = "io.edgeagent.Core1"
	// ObjectPath is where the service object lives.
	ObjectPath = "/io/edgeagent/Core1"
	// InterfaceName carries the exported methods and signals.
	InterfaceName = "io.edgeagent.Core1"

	signalCloudMessage = InterfaceName + ".CloudMessage"
)

// Uplink sends an application payload toward the cloud. The agent
// wires in a sender that falls back to the offline buffer.
type Uplink interface {
	SendMessage(payload []byte) error
}

// DeviceControl is the slice of the state manager the IPC surface
// needs.
type DeviceControl interface {
	UpdateApplicationState(key, value string)
	InterruptIndicators(pattern string)
}

// core holds the exported method set. Kept separate from the bus
// connection so the methods are testable without a broker.
type core struct {
	uplink  Uplink
	control DeviceControl
	logger  *slog.Logger
}

// SetApplicationInfo registers the calling application from a JSON
// document {name, version, description}. The argument is a single JSON
// string; that is the wire contract the client SDKs speak.
func (c *core) SetApplicationInfo(payload string) (string, *dbus.Error) {
	var info struct {
		Name        string `json:"name"`
		Version     string `json:"version"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(payload), &info); err != nil || info.Name == "" {
		return "err:bad-request", nil
	}
	c.control.UpdateApplicationState("name", info.Name)
	c.control.UpdateApplicationState("version", info.Version)
	c.control.UpdateApplicationState("description", info.Description)
	c.logger.Info("application registered", "name", info.Name, "version", info.Version)
	return "ok", nil
}

// SetApplicationStatus records the application's health from a JSON
// document {status, message}. Older SDKs send the status under "level";
// both spellings are accepted. The message is logged, not stored; the
// cloud twin mirrors the state field only.
func (c *core) SetApplicationStatus(payload string) (string, *dbus.Error) {
	var st struct {
		Status  string `json:"status"`
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return "err:bad-request", nil
	}
	status := st.Status
	if status == "" {
		status = st.Level
	}
	if status == "" {
		return "err:bad-request", nil
	}
	c.control.UpdateApplicationState("state", status)
	if st.Message != "" {
		c.logger.Info("application status", "status", status, "message", st.Message)
	}
	return "ok", nil
}

// SendMessage forwards a JSON payload to the cloud uplink.
func (c *core) SendMessage(payload string) (string, *dbus.Error) {
	if !json.Valid([]byte(payload)) {
		return "err:bad-request", nil
	}
	if err := c.uplink.SendMessage([]byte(payload)); err != nil {
		if errors.Is(err, cloud.ErrNotConnected) {
			return "err:not-connected", nil
		}
		c.logger.Warn("uplink send", "error", err)
		return "err:" + err.Error(), nil
	}
	return "ok", nil
}

// Identify triggers the identify indicator pattern.
func (c *core) Identify() (string, *dbus.Error) {
	c.control.InterruptIndicators("identify")
	return "ok", nil
}

// Service is the live D-Bus presence of the agent.
type Service struct {
	conn   *dbus.Conn
	core   *core
	logger *slog.Logger
}

// New connects to the system bus, claims the well-known name and
// exports the service object.
func New(uplink Uplink, control DeviceControl, logger *slog.Logger) (*Service, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	s, err := newOnConn(conn, uplink, control, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func newOnConn(conn *dbus.Conn, uplink Uplink, control DeviceControl, logger *slog.Logger) (*Service, error) {
	s := &Service{
		conn:   conn,
		core:   &core{uplink: uplink, control: control, logger: logger.With("component", "ipc")},
		logger: logger.With("component", "ipc"),
	}

	if err := conn.Export(s.core, ObjectPath, InterfaceName); err != nil {
		return nil, fmt.Errorf("export methods: %w", err)
	}
	node := &introspect.Node{
		Name: ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    InterfaceName,
				Methods: introspect.Methods(s.core),
				Signals: []introspect.Signal{
					{
						Name: "CloudMessage",
						Args: []introspect.Arg{{Name: "payload", Type: "s"}},
					},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("bus name %s already taken", BusName)
	}

	s.logger.Info("ipc service up", "name", BusName)
	return s, nil
}

// BroadcastCloudMessage emits a devicebound message to all listeners.
func (s *Service) BroadcastCloudMessage(payload []byte) {
	if err := s.conn.Emit(ObjectPath, signalCloudMessage, string(payload)); err != nil {
		s.logger.Warn("emit cloud message", "error", err)
	}
}

// Close releases the bus name and connection.
func (s *Service) Close() error {
	if _, err := s.conn.ReleaseName(BusName); err != nil {
		s.logger.Warn("release bus name", "error", err)
	}
	return s.conn.Close()
}
