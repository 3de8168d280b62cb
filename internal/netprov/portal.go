package netprov

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"edge-agent/internal/state"
)

//go:embed static/*
var staticFS embed.FS

// apTeardownDelay gives the phone time to receive the success response
// before the access point, and with it the phone's connection, goes
// away.
const apTeardownDelay = 3 * time.Second

// connectTimeout bounds a single join attempt from the portal.
const connectTimeout = 45 * time.Second

// Portal is the captive setup page served while the device hosts its
// access point. It lists nearby networks and hands the chosen
// credentials to the manager.
type Portal struct {
	mgr    *Manager
	bus    *state.EventBus
	hub    *wsHub
	logger *slog.Logger
	srv    *http.Server
	unsub  func()

	teardownDelay time.Duration

	// OnConnected runs after a successful join once the access point is
	// down. The agent uses it to resume cloud connectivity.
	OnConnected func()
}

/// NewPortal builds the portal server. addr is usually ":80"; captive
// portal detection on phones probes plain HTTP.
func NewPortal(addr string, mgr *Manager, bus *state.EventBus, logger *slog.Logger) *Portal {
	p := &Portal{
		mgr:           mgr,
		bus:           bus,
		hub:           newWSHub(logger.With("component", "portal")),
		logger:        logger.With("component", "portal"),
		teardownDelay: apTeardownDelay,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", p.handleIndex)
	r.Get("/api/networks", p.handleNetworks)
	r.Post("/api/connect", p.handleConnect)
	r.Get("/api/events", p.handleEvents)
	// Captive-portal probes hit arbitrary paths; a redirect to the
	// setup page makes the OS pop the sign-in sheet.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusFound)
	})

	p.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p
}

// Start begins serving and bridges device events to portal clients.
func (p *Portal) Start() error {
	go p.hub.run()
	if p.bus != nil {
		p.unsub = p.bus.On(state.EventState, func(e state.Event) {
			p.hub.send(map[string]interface{}{"type": "state", "data": e.Data})
		})
	}
	go func() {
		if err := p.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("portal server", "err", err)
		}
	}()
	p.logger.Info("captive portal listening", "addr", p.srv.Addr)
	return nil
}

// Stop shuts the portal down.
func (p *Portal) Stop(ctx context.Context) error {
	if p.unsub != nil {
		p.unsub()
	}
	p.hub.stop()
	return p.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (p *Portal) Handler() http.Handler { return p.srv.Handler }

func (p *Portal) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "setup page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (p *Portal) handleNetworks(w http.ResponseWriter, r *http.Request) {
	aps, err := p.mgr.GetAccessPoints(r.Context())
	if err != nil {
		p.logger.Error("scan", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "scan failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"networks": aps})
}

func (p *Portal) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SSID       string `json:"ssid"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SSID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "ssid required",
		})
		return
	}

	p.hub.send(map[string]interface{}{"type": "connecting", "ssid": req.SSID})

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()
	if err := p.mgr.ConnectToNetwork(ctx, req.SSID, req.Passphrase); err != nil {
		p.logger.Warn("join failed", "ssid", req.SSID, "err", err)
		p.hub.send(map[string]interface{}{"type": "failed", "ssid": req.SSID})
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "could not join network, check the passphrase",
		})
		return
	}

	p.hub.send(map[string]interface{}{"type": "connected", "ssid": req.SSID})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "connected, the setup network will now shut down",
	})

	// Respond first, tear down later: the client is still on the AP
	// subnet when this handler returns.
	go func() {
		time.Sleep(p.teardownDelay)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := p.mgr.StopAccessPoint(ctx); err != nil {
			p.logger.Error("stop access point", "err", err)
		}
		if p.OnConnected != nil {
			p.OnConnected()
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
