package netprov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"edge-agent/internal/sysexec"
)

var (
	// ErrNoSavedNetwork is returned when access-point mode would be
	// turned off but no WiFi profile exists to fall back to.
	ErrNoSavedNetwork = errors.New("netprov: no saved network")

	// ErrActivationFailed is returned when a freshly created profile
	// fails to reach the activated state. The profile is deleted before
	// the error is returned so a wrong passphrase cannot wedge boot.
	ErrActivationFailed = errors.New("netprov: connection activation failed")
)

// Config holds the tunables for the provisioning manager.
type Config struct {
	Interface string `yaml:"interface"`
	// APSSID is the access-point network name. The manager appends the
	// device short ID when the value ends with a dash.
	APSSID string `yaml:"ap_ssid"`
	// APProfile is the NetworkManager profile name used for AP mode.
	APProfile string `yaml:"ap_profile"`
}

func (c *Config) applyDefaults() {
	if c.Interface == "" {
		c.Interface = "wlan0"
	}
	if c.APSSID == "" {
		c.APSSID = "EdgeBerry"
	}
	if c.APProfile == "" {
		c.APProfile = "edge-agent-ap"
	}
}

// Manager drives WiFi via NetworkManager: scanning, joining networks
// handed over by the captive portal, and hosting the setup access
// point.
type Manager struct {
	cli    *nmcli
	cfg    Config
	apSSID string
	logger *slog.Logger

	// Shrunk in tests.
	scanSettle      time.Duration
	activatePoll    time.Duration
	activateTimeout time.Duration

	mu     sync.Mutex
	apMode bool
}

// NewManager builds a manager. shortID is the device short identifier
// appended to the AP SSID so neighbouring devices stay tellable apart.
func NewManager(cfg Config, shortID string, runner sysexec.Runner, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	ssid := cfg.APSSID
	if shortID != "" {
		ssid = fmt.Sprintf("%s-%s", cfg.APSSID, shortID)
	}
	return &Manager{
		cli:             &nmcli{runner: runner, ifname: cfg.Interface},
		cfg:             cfg,
		apSSID:          ssid,
		logger:          logger.With("component", "netprov"),
		scanSettle:      1500 * time.Millisecond,
		activatePoll:    500 * time.Millisecond,
		activateTimeout: 30 * time.Second,
	}
}

// APSSID returns the SSID the setup access point advertises.
func (m *Manager) APSSID() string { return m.apSSID }

// InAccessPointMode reports whether the setup AP is currently up.
func (m *Manager) InAccessPointMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apMode
}

// HasSavedNetwork reports whether at least one WiFi profile other than
// the AP profile exists.
func (m *Manager) HasSavedNetwork(ctx context.Context) (bool, error) {
	names, err := m.cli.savedWifiProfiles(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name != m.cfg.APProfile {
			return true, nil
		}
	}
	return false, nil
}

// GetAccessPoints triggers a rescan, waits for results to settle and
// returns visible networks, strongest first, one entry per SSID.
func (m *Manager) GetAccessPoints(ctx context.Context) ([]AccessPointInfo, error) {
	if err := m.cli.rescan(ctx); err != nil {
		// Rescan fails while one is already running; the list below
		// still returns the latest results.
		m.logger.Debug("wifi rescan", "error", err)
	}
	select {
	case <-time.After(m.scanSettle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	aps, err := m.cli.accessPoints(ctx)
	if err != nil {
		return nil, err
	}
	return DedupeAccessPoints(aps), nil
}

// ConnectToNetwork creates a WPA-PSK profile for ssid and activates
// it, polling until the connection is established. On failure the
// profile is deleted so a bad passphrase never becomes a persistent
// autoconnect target.
func (m *Manager) ConnectToNetwork(ctx context.Context, ssid, passphrase string) error {
	if ssid == "" {
		return errors.New("netprov: empty ssid")
	}
	m.logger.Info("joining network", "ssid", ssid)

	if err := m.cli.addWifiProfile(ctx, ssid, ssid, passphrase); err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	if err := m.cli.activate(ctx, ssid); err != nil {
		m.removeProfile(ssid)
		return fmt.Errorf("activate profile: %w", err)
	}

	deadline := time.Now().Add(m.activateTimeout)
	for {
		st, err := m.cli.profileState(ctx, ssid)
		if err == nil {
			switch st {
			case "activated":
				m.logger.Info("network joined", "ssid", ssid)
				return nil
			case "deactivated", "deactivating":
				m.removeProfile(ssid)
				return ErrActivationFailed
			}
		}
		if time.Now().After(deadline) {
			m.removeProfile(ssid)
			return ErrActivationFailed
		}
		select {
		case <-time.After(m.activatePoll):
		case <-ctx.Done():
			m.removeProfile(ssid)
			return ctx.Err()
		}
	}
}

// StartAccessPoint brings up the setup access point. Idempotent.
func (m *Manager) StartAccessPoint(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.apMode {
		return nil
	}
	// A stale profile from an unclean shutdown would shadow the new
	// one; drop it first and ignore the miss.
	_ = m.cli.deleteProfile(ctx, m.cfg.APProfile)

	if err := m.cli.addAccessPointProfile(ctx, m.cfg.APProfile, m.apSSID); err != nil {
		return fmt.Errorf("create ap profile: %w", err)
	}
	if err := m.cli.activate(ctx, m.cfg.APProfile); err != nil {
		_ = m.cli.deleteProfile(ctx, m.cfg.APProfile)
		return fmt.Errorf("activate ap profile: %w", err)
	}
	m.apMode = true
	m.logger.Info("access point up", "ssid", m.apSSID)
	return nil
}

// StopAccessPoint tears down the setup access point and deletes its
// profile. Idempotent.
func (m *Manager) StopAccessPoint(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.apMode {
		return nil
	}
	if err := m.cli.deactivate(ctx, m.cfg.APProfile); err != nil {
		m.logger.Warn("deactivate ap profile", "error", err)
	}
	if err := m.cli.deleteProfile(ctx, m.cfg.APProfile); err != nil {
		return fmt.Errorf("delete ap profile: %w", err)
	}
	m.apMode = false
	m.logger.Info("access point down")
	return nil
}

// ToggleAccessPoint flips AP mode. Turning it off requires a saved
// network to fall back to; otherwise the device would drop off the air
// entirely.
func (m *Manager) ToggleAccessPoint(ctx context.Context) error {
	if m.InAccessPointMode() {
		saved, err := m.HasSavedNetwork(ctx)
		if err != nil {
			return err
		}
		if !saved {
			return ErrNoSavedNetwork
		}
		return m.StopAccessPoint(ctx)
	}
	return m.StartAccessPoint(ctx)
}

// Connectivity reports the current network sub-state: "connected",
// "disconnected" or "unknown".
func (m *Manager) Connectivity(ctx context.Context) string {
	st, err := m.cli.connectivity(ctx)
	if err != nil {
		m.logger.Debug("connectivity check", "error", err)
	}
	return st
}

func (m *Manager) removeProfile(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.cli.deleteProfile(ctx, name); err != nil {
		m.logger.Warn("delete profile", "profile", name, "error", err)
	}
}
