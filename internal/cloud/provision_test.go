package cloud

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"log/slog"
	"testing"

	"crypto/x509"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"edge-agent/internal/settings"
	"edge-agent/internal/state"
)

func TestGenerateCSR(t *testing.T) {
	keyPEM, csrPEM, err := generateCSR("device-abc")
	if err != nil {
		t.Fatalf("generateCSR: %v", err)
	}

	keyBlock, _ := pem.Decode([]byte(keyPEM))
	if keyBlock == nil || keyBlock.Type != "EC PRIVATE KEY" {
		t.Fatalf("key block = %v", keyBlock)
	}
	if _, err := x509.ParseECPrivateKey(keyBlock.Bytes); err != nil {
		t.Fatalf("parse key: %v", err)
	}

	csrBlock, _ := pem.Decode([]byte(csrPEM))
	if csrBlock == nil || csrBlock.Type != "CERTIFICATE REQUEST" {
		t.Fatalf("csr block = %v", csrBlock)
	}
	csr, err := x509.ParseCertificateRequest(csrBlock.Bytes)
	if err != nil {
		t.Fatalf("parse csr: %v", err)
	}
	if csr.Subject.CommonName != "device-abc" {
		t.Errorf("CN = %q, want %q", csr.Subject.CommonName, "device-abc")
	}
	if err := csr.CheckSignature(); err != nil {
		t.Errorf("csr signature: %v", err)
	}
}

func testProvParams() *settings.ProvisioningParameters {
	return &settings.ProvisioningParameters{
		HostName:    "prov.example.com",
		ClientID:    "claim-1",
		Certificate: testCertPEM,
		PrivateKey:  testKeyPEM,
	}
}

func TestProvisionIncompleteClaim(t *testing.T) {
	c, _, _ := newTestClient(t, nil, nil)

	_, err := c.Provision(context.Background(), &settings.ProvisioningParameters{HostName: "h"}, "dev-1", DeviceMetadata{})
	if !errors.Is(err, settings.ErrIncompleteCredentials) {
		t.Fatalf("err = %v, want ErrIncompleteCredentials", err)
	}
}

func TestProvisionAccepted(t *testing.T) {
	bus := state.NewEventBus(slog.Default())
	c := New(nil, bus, nil, slog.Default())
	fake := newFakeMQTT()
	c.newMQTT = func(*pahomqtt.ClientOptions) mqttClient { return fake }
	defer c.Close()

	// Answer the CSR submission with an issued certificate.
	fake.onPublish = func(topic string, payload []byte) {
		if topic != topicProvisionRequest {
			return
		}
		var req provisionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			t.Errorf("request not JSON: %v", err)
			return
		}
		if req.DeviceID != "dev-1" || req.CertificateSigningRequest == "" {
			t.Errorf("request = %+v", req)
		}
		if req.Parameters.Board != "board-x" {
			t.Errorf("metadata = %+v", req.Parameters)
		}
		resp, _ := json.Marshal(provisionResponse{
			CertificatePem: "ISSUED-CERT",
			RootCAPem:      "ROOT-CA",
		})
		go fake.deliver(topicProvisionAccepted, resp)
	}

	var provisionEvents []string
	bus.On(state.EventCloudStatus, func(e state.Event) {
		if p, ok := e.Data.(map[string]interface{})["provision"].(string); ok {
			provisionEvents = append(provisionEvents, p)
		}
	})

	params, err := c.Provision(context.Background(), testProvParams(), "dev-1", DeviceMetadata{UUID: "dev-1", Board: "board-x", Version: "1.2.3"})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if params.Certificate != "ISSUED-CERT" {
		t.Errorf("certificate = %q", params.Certificate)
	}
	if params.RootCA != "ROOT-CA" {
		t.Errorf("rootCA = %q", params.RootCA)
	}
	if params.DeviceID != "dev-1" || params.HostName != "prov.example.com" {
		t.Errorf("params = %+v", params)
	}
	// The private key stays local and matches the CSR key format.
	if block, _ := pem.Decode([]byte(params.PrivateKey)); block == nil || block.Type != "EC PRIVATE KEY" {
		t.Error("private key missing from assembled parameters")
	}

	// Claim session torn down after the handshake.
	if fake.IsConnected() {
		t.Error("claim session still connected")
	}
	if c.Status().Provisioning || !c.Status().Provisioned {
		t.Errorf("status = %+v", c.Status())
	}
	if len(provisionEvents) < 2 || provisionEvents[len(provisionEvents)-1] != state.ProvisionProvisioned {
		t.Errorf("provision events = %v", provisionEvents)
	}
}

func TestProvisionRejected(t *testing.T) {
	bus := state.NewEventBus(slog.Default())
	c := New(nil, bus, nil, slog.Default())
	fake := newFakeMQTT()
	c.newMQTT = func(*pahomqtt.ClientOptions) mqttClient { return fake }
	defer c.Close()

	fake.onPublish = func(topic string, _ []byte) {
		if topic == topicProvisionRequest {
			go fake.deliver(topicProvisionRejected, []byte(`{"message":"unknown claim"}`))
		}
	}

	_, err := c.Provision(context.Background(), testProvParams(), "dev-1", DeviceMetadata{})
	if !errors.Is(err, ErrProvisioningRejected) {
		t.Fatalf("err = %v, want ErrProvisioningRejected", err)
	}
	if fake.IsConnected() {
		t.Error("claim session still connected after rejection")
	}
	if c.Status().Provisioned {
		t.Error("provisioned flag set after rejection")
	}
}
