package netprov

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestPortal(respond func(args []string) (string, error)) (*Portal, *scriptRunner) {
	m, r := newTestManager(respond)
	p := NewPortal(":0", m, nil, slog.Default())
	p.teardownDelay = time.Millisecond
	go p.hub.run()
	return p, r
}

func TestPortalNetworks(t *testing.T) {
	p, _ := newTestPortal(func(args []string) (string, error) {
		if hasArg(args, "list") {
			return "Home:82:2437 MHz:WPA2\n", nil
		}
		return "", nil
	})

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/networks", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Networks []AccessPointInfo `json:"networks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Networks) != 1 || body.Networks[0].SSID != "Home" {
		t.Errorf("networks = %+v", body.Networks)
	}
}

func TestPortalConnectSuccessTearsDownAP(t *testing.T) {
	p, r := newTestPortal(func(args []string) (string, error) {
		if hasArg(args, "GENERAL.STATE") {
			return "GENERAL.STATE:activated\n", nil
		}
		return "", nil
	})
	if err := p.mgr.StartAccessPoint(httptest.NewRequest("GET", "/", nil).Context()); err != nil {
		t.Fatal(err)
	}

	resumed := make(chan struct{})
	p.OnConnected = func() { close(resumed) }

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/connect",
		strings.NewReader(`{"ssid":"Home","passphrase":"hunter2"}`))
	p.Handler().ServeHTTP(rec, req)

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success {
		t.Fatalf("success = false: %s", rec.Body.String())
	}
	// Teardown is deferred so the response reaches the client first.
	if !p.mgr.InAccessPointMode() {
		t.Error("AP torn down before the response settled")
	}

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected never ran")
	}
	if p.mgr.InAccessPointMode() {
		t.Error("AP still up after teardown")
	}
	if !r.called("connection delete edge-agent-ap") {
		t.Error("ap profile not deleted")
	}
}

func TestPortalConnectFailure(t *testing.T) {
	p, _ := newTestPortal(func(args []string) (string, error) {
		if hasArg(args, "GENERAL.STATE") {
			return "GENERAL.STATE:deactivated\n", nil
		}
		return "", nil
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/connect",
		strings.NewReader(`{"ssid":"Home","passphrase":"wrong"}`))
	p.Handler().ServeHTTP(rec, req)

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Success {
		t.Error("success = true for failed join")
	}
}

func TestPortalConnectRejectsMissingSSID(t *testing.T) {
	p, _ := newTestPortal(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/connect", strings.NewReader(`{}`))
	p.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPortalRedirectsUnknownPaths(t *testing.T) {
	p, _ := newTestPortal(nil)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/generate_204", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Errorf("location = %q", loc)
	}
}

func TestPortalServesIndex(t *testing.T) {
	p, _ := newTestPortal(nil)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content-type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "/api/connect") {
		t.Error("index page does not reference the connect endpoint")
	}
}
