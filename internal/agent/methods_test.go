package agent

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"edge-agent/internal/settings"
	"edge-agent/internal/state"
)

func TestAllMethodsRegisteredUpFront(t *testing.T) {
	h := newHarness(t)
	h.agent.registerDirectMethods()

	want := []string{
		"identify", "reboot", "reconnect", "reprovision",
		"getConnectionParameters", "updateConnectionParameters",
		"getProvisioningParameters", "updateProvisioningParameters",
		"linkToUserAccount",
	}
	for _, name := range want {
		if _, ok := h.cloud.methods[name]; !ok {
			t.Errorf("method %q not registered", name)
		}
	}
	if len(h.cloud.methods) != len(want) {
		t.Errorf("registered %d methods, want %d", len(h.cloud.methods), len(want))
	}
}

func TestMethodIdentify(t *testing.T) {
	h := newHarness(t)

	resp, err := h.agent.methodIdentify(nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil {
		t.Fatal("nil response")
	}
	if h.indicator.lastInterrupt() != "identify" {
		t.Errorf("interrupts = %v", h.indicator.interrupts)
	}
}

func TestMethodRebootAnswersBeforeRebooting(t *testing.T) {
	h := newHarness(t)

	resp, err := h.agent.methodReboot(nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil {
		t.Fatal("nil response")
	}
	// The shell-out is delayed past the response.
	if h.runner.contains("systemctl reboot") {
		t.Error("reboot ran before the response settled")
	}
	waitFor(t, func() bool { return h.runner.contains("systemctl reboot") })
	if got := h.states.State().System.State; got != state.SystemRestarting {
		t.Errorf("system state = %q", got)
	}
}

func TestMethodReconnect(t *testing.T) {
	h := newHarness(t)

	if _, err := h.agent.methodReconnect(nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		h.cloud.mu.Lock()
		defer h.cloud.mu.Unlock()
		return h.cloud.reconnectCalls == 1
	})
}

func TestMethodGetConnectionParametersHidesKey(t *testing.T) {
	h := newHarness(t)
	if err := h.store.SetConnectionParameters(completeParams()); err != nil {
		t.Fatal(err)
	}

	resp, err := h.agent.methodGetConnectionParameters(nil)
	if err != nil {
		t.Fatal(err)
	}
	m := resp.(map[string]string)
	if m["hostName"] != "hub.example.com" || m["deviceId"] != "uuid-1234-abcd" {
		t.Errorf("resp = %+v", m)
	}
	if m["certificate"] != "CERT" {
		t.Errorf("certificate = %q", m["certificate"])
	}
	if _, leaked := m["privateKey"]; leaked {
		t.Error("private key leaked through direct method")
	}
}

func TestMethodUpdateConnectionParameters(t *testing.T) {
	h := newHarness(t)

	body, _ := json.Marshal(connectionParametersBody{
		HostName:    "new.example.com",
		DeviceID:    "uuid-1234-abcd",
		Certificate: "NEW-CERT",
		PrivateKey:  "NEW-KEY",
		RootCA:      "NEW-CA",
	})
	if _, err := h.agent.methodUpdateConnectionParameters(body); err != nil {
		t.Fatal(err)
	}

	stored, err := h.store.ConnectionParameters()
	if err != nil {
		t.Fatal(err)
	}
	if stored.HostName != "new.example.com" || stored.Certificate != "NEW-CERT" {
		t.Errorf("stored = %+v", stored)
	}
	if h.cloud.params == nil || h.cloud.params.HostName != "new.example.com" {
		t.Error("client parameters not updated")
	}
	waitFor(t, func() bool {
		h.cloud.mu.Lock()
		defer h.cloud.mu.Unlock()
		return h.cloud.reconnectCalls == 1
	})
}

func TestMethodUpdateConnectionParametersRejectsIncomplete(t *testing.T) {
	h := newHarness(t)

	body := []byte(`{"hostName":"h","deviceId":"d","certificate":"c"}`)
	_, err := h.agent.methodUpdateConnectionParameters(body)
	if !errors.Is(err, settings.ErrIncompleteCredentials) {
		t.Fatalf("err = %v, want ErrIncompleteCredentials", err)
	}
	if h.store.HasConnectionParameters() {
		t.Error("incomplete parameters were persisted")
	}
}

func TestMethodUpdateProvisioningParametersPinsClientID(t *testing.T) {
	h := newHarness(t)

	body := []byte(`{"hostName":"prov.example.com","certificate":"c","privateKey":"k"}`)
	if _, err := h.agent.methodUpdateProvisioningParameters(body); err != nil {
		t.Fatal(err)
	}
	stored, err := h.store.ProvisioningParameters()
	if err != nil {
		t.Fatal(err)
	}
	if stored.ClientID != "uuid-1234-abcd" {
		t.Errorf("clientId = %q, want hardware uuid", stored.ClientID)
	}
}

func TestLinkToUserAccountConfirmed(t *testing.T) {
	h := newHarness(t)

	done := make(chan struct{})
	var resp interface{}
	var err error
	go func() {
		resp, err = h.agent.methodLinkToUserAccount(nil)
		close(done)
	}()

	// Give the handler time to attach its listener, then press.
	time.Sleep(10 * time.Millisecond)
	h.bus.Emit(state.Event{Type: state.EventButton, Data: map[string]interface{}{
		"kind": "click",
	}})

	<-done
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	m := resp.(map[string]interface{})
	if m["confirmed"] != true || m["deviceId"] != "uuid-1234-abcd" {
		t.Errorf("resp = %+v", m)
	}
}

func TestLinkToUserAccountTimesOut(t *testing.T) {
	h := newHarness(t)

	_, err := h.agent.methodLinkToUserAccount(nil)
	if !errors.Is(err, ErrLinkNotConfirmed) {
		t.Fatalf("err = %v, want ErrLinkNotConfirmed", err)
	}

	// The loser path must have removed its listener; a late press is a
	// no-op rather than a send on an abandoned channel.
	h.bus.Emit(state.Event{Type: state.EventButton, Data: map[string]interface{}{
		"kind": "click",
	}})
}

func TestLinkIgnoresHolds(t *testing.T) {
	h := newHarness(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.agent.methodLinkToUserAccount(nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	h.bus.Emit(state.Event{Type: state.EventButton, Data: map[string]interface{}{
		"kind": "hold",
	}})

	if err := <-done; !errors.Is(err, ErrLinkNotConfirmed) {
		t.Fatalf("err = %v, want ErrLinkNotConfirmed", err)
	}
}
