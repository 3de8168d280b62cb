package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"edge-agent/internal/agent"
	"edge-agent/internal/buffer"
	"edge-agent/internal/cloud"
	"edge-agent/internal/identity"
	"edge-agent/internal/indicator"
	"edge-agent/internal/ipcservice"
	"edge-agent/internal/netprov"
	"edge-agent/internal/rules"
	"edge-agent/internal/settings"
	"edge-agent/internal/state"
	"edge-agent/internal/sysexec"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Settings struct {
		Dir string `yaml:"dir"`
	} `yaml:"settings"`
	Buffer struct {
		Path  string `yaml:"path"`
		Limit int    `yaml:"limit"`
	} `yaml:"buffer"`
	Identity struct {
		EEPROMPath   string `yaml:"eeprom_path"`
		ModelPath    string `yaml:"model_path"`
		FallbackPath string `yaml:"fallback_path"`
	} `yaml:"identity"`
	GPIO struct {
		Chip       string `yaml:"chip"`
		RedLine    int    `yaml:"red_line"`
		GreenLine  int    `yaml:"green_line"`
		BuzzerLine int    `yaml:"buzzer_line"`
		ButtonLine int    `yaml:"button_line"`
	} `yaml:"gpio"`
	Network struct {
		Interface    string `yaml:"interface"`
		APSSID       string `yaml:"ap_ssid"`
		APProfile    string `yaml:"ap_profile"`
		PortalListen string `yaml:"portal_listen"`
	} `yaml:"network"`
	Cloud struct {
		CertHost string `yaml:"cert_host"`
	} `yaml:"cloud"`
	RulesDir string `yaml:"rules_dir"`
	IPC      struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"ipc"`
	Exec struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"exec"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Settings.Dir == "" {
		return fmt.Errorf("settings.dir is required")
	}
	if c.Buffer.Limit < 0 {
		return fmt.Errorf("buffer.limit must not be negative")
	}
	return nil
}

// exitRestart asks the supervisor for a clean restart. systemd units
// with Restart=always pick the process back up with the credentials
// provisioning just persisted.
const exitRestart = 0

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("edge-agent starting", "version", version)

	execTimeout, err := time.ParseDuration(cfg.Exec.Timeout)
	if err != nil {
		execTimeout = 30 * time.Second
	}
	runner := sysexec.NewRunner(execTimeout, logger)

	id := identity.Read(identity.Options{
		EEPROMPath:   cfg.Identity.EEPROMPath,
		ModelPath:    cfg.Identity.ModelPath,
		FallbackPath: cfg.Identity.FallbackPath,
	}, version, logger)
	logger.Info("device identity", "uuid", id.UUID, "board", id.Board)

	store, err := settings.NewStore(cfg.Settings.Dir, logger)
	if err != nil {
		logger.Error("open settings store", "err", err)
		os.Exit(1)
	}

	outbox, err := buffer.Open(cfg.Buffer.Path, cfg.Buffer.Limit)
	if err != nil {
		logger.Error("open offline buffer", "err", err)
		os.Exit(1)
	}
	defer outbox.Close()

	bus := state.NewEventBus(logger)

	gpioCfg := indicator.Config{
		Chip:       cfg.GPIO.Chip,
		RedLine:    cfg.GPIO.RedLine,
		GreenLine:  cfg.GPIO.GreenLine,
		BuzzerLine: cfg.GPIO.BuzzerLine,
		ButtonLine: cfg.GPIO.ButtonLine,
	}
	driver := indicator.NewDriver(gpioCfg, runner, logger)
	defer driver.Stop()
	button := indicator.NewButtonPoller(gpioCfg, runner, bus, logger)
	button.Start()
	defer button.Stop()

	states := state.NewManager(bus, driver, logger)

	network := netprov.NewManager(netprov.Config{
		Interface: cfg.Network.Interface,
		APSSID:    cfg.Network.APSSID,
		APProfile: cfg.Network.APProfile,
	}, identity.ShortID(id.UUID), runner, logger)
	portal := netprov.NewPortal(cfg.Network.PortalListen, network, bus, logger)

	client := cloud.New(nil, bus, outbox, logger)
	defer client.Close()

	ag := agent.New(agent.Deps{
		Identity: id,
		Store:    store,
		States:   states,
		Bus:      bus,
		Cloud:    client,
		Network:  network,
		Portal:   portal,
		Outbox:   outbox,
		Runner:   runner,
	}, logger)
	// A network joined through the setup portal resumes cloud bring-up
	// without a process restart.
	portal.OnConnected = ag.OnNetworkConnected

	// Local IPC for co-located applications. The bus relay forwards
	// devicebound messages to D-Bus listeners.
	if cfg.IPC.Enabled {
		ipc, err := ipcservice.New(ag, states, logger)
		if err != nil {
			logger.Warn("ipc service unavailable", "err", err)
		} else {
			defer ipc.Close()
			defer bus.On(state.EventCloudMessage, func(e state.Event) {
				if payload, ok := e.Data.(json.RawMessage); ok {
					ipc.BroadcastCloudMessage(payload)
				}
			})()
		}
	}

	// Local rule scripts.
	engine := rules.NewEngine(bus, ag, logger)
	engine.Start()
	defer engine.Stop()
	if cfg.RulesDir != "" {
		if err := engine.LoadDir(cfg.RulesDir); err != nil {
			logger.Warn("load rules", "err", err)
		}
	}

	restart := make(chan string, 1)
	ag.OnRestartRequired = func(reason string) {
		select {
		case restart <- reason:
		default:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ag.Start(ctx); err != nil {
		logger.Error("start agent", "err", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		signal.Stop(sigCh)
		logger.Info("shutting down", "signal", sig)
	case reason := <-restart:
		logger.Info("restart requested", "reason", reason)
		ag.Stop()
		logger.Info("goodbye")
		os.Exit(exitRestart)
	}

	ag.Stop()
	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Settings.Dir == "" {
		cfg.Settings.Dir = "/var/lib/edge-agent"
	}
	if cfg.Buffer.Path == "" {
		cfg.Buffer.Path = "/var/lib/edge-agent/outbox.db"
	}
	if cfg.Buffer.Limit == 0 {
		cfg.Buffer.Limit = 1000
	}
	if cfg.GPIO.Chip == "" {
		def := indicator.DefaultConfig()
		cfg.GPIO.Chip = def.Chip
		cfg.GPIO.RedLine = def.RedLine
		cfg.GPIO.GreenLine = def.GreenLine
		cfg.GPIO.BuzzerLine = def.BuzzerLine
		cfg.GPIO.ButtonLine = def.ButtonLine
	}
	if cfg.Network.PortalListen == "" {
		cfg.Network.PortalListen = ":80"
	}
	if cfg.Exec.Timeout == "" {
		cfg.Exec.Timeout = "30s"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
