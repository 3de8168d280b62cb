package cloud

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"edge-agent/internal/settings"
	"edge-agent/internal/state"
)

const provisionTimeout = 60 * time.Second

// DeviceMetadata accompanies the certificate request so the hub can
// register the device record alongside the issued certificate.
type DeviceMetadata struct {
	UUID    string `json:"uuid"`
	Board   string `json:"board"`
	Version string `json:"version"`
}

// provisionRequest is the wire shape of a fleet-provisioning request.
// Only the CSR travels; the private key never leaves the device.
type provisionRequest struct {
	CertificateSigningRequest string         `json:"certificateSigningRequest"`
	DeviceID                  string         `json:"deviceId"`
	Parameters                DeviceMetadata `json:"parameters"`
}

// provisionResponse is the accepted-topic payload.
type provisionResponse struct {
	CertificatePem string `json:"certificatePem"`
	RootCAPem      string `json:"rootCaPem"`
	HostName       string `json:"hostName"`
	DeviceID       string `json:"deviceId"`
}

// Provision performs the claim-based certificate issuance: it opens a
// separate short-lived clean session under the claim identity, submits
// a locally generated CSR, and assembles ConnectionParameters from the
// issued certificate. It never retries on its own; the claim session
// is torn down whether it succeeds or fails.
func (c *Client) Provision(ctx context.Context, prov *settings.ProvisioningParameters, deviceID string, meta DeviceMetadata) (*settings.ConnectionParameters, error) {
	if !prov.Complete() {
		return nil, settings.ErrIncompleteCredentials
	}

	c.mu.Lock()
	c.status.Provisioning = true
	c.mu.Unlock()
	c.emitProvision(state.ProvisionProvisioning)

	connParams, err := c.provision(ctx, prov, deviceID, meta)

	c.mu.Lock()
	c.status.Provisioning = false
	c.status.Provisioned = err == nil
	c.mu.Unlock()

	if err != nil {
		c.emitProvision(state.ProvisionNotProvisioned)
		return nil, err
	}
	c.emitProvision(state.ProvisionProvisioned)
	c.bus.Emit(state.Event{Type: state.EventProvisioned, Data: map[string]interface{}{
		"deviceId": connParams.DeviceID,
	}})
	return connParams, nil
}

func (c *Client) provision(ctx context.Context, prov *settings.ProvisioningParameters, deviceID string, meta DeviceMetadata) (*settings.ConnectionParameters, error) {
	keyPEM, csrPEM, err := generateCSR(deviceID)
	if err != nil {
		return nil, fmt.Errorf("generate CSR: %w", err)
	}

	tlsCfg, err := clientTLSConfig(prov.Certificate, prov.PrivateKey, prov.RootCA)
	if err != nil {
		return nil, fmt.Errorf("build claim TLS config: %w", err)
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker("tls://" + prov.HostName + ":8883").
		SetClientID(prov.ClientID).
		SetTLSConfig(tlsCfg).
		SetCleanSession(true). // ephemeral claim session
		SetKeepAlive(keepAlive).
		SetAutoReconnect(false).
		SetConnectTimeout(connectTimeout)

	session := c.newMQTT(opts)
	c.logger.Info("provisioning session connecting", "host", prov.HostName, "clientId", prov.ClientID)

	token := session.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.New("provisioning connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("provisioning connect: %w", err)
	}
	defer session.Disconnect(250)

	resultCh := make(chan twinResult, 1)
	accepted := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		select {
		case resultCh <- twinResult{payload: msg.Payload()}:
		default:
		}
	}
	rejected := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		var denial struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(msg.Payload(), &denial)
		select {
		case resultCh <- twinResult{err: fmt.Errorf("%w: %s", ErrProvisioningRejected, denial.Message)}:
		default:
		}
	}
	for topic, handler := range map[string]pahomqtt.MessageHandler{
		topicProvisionAccepted: accepted,
		topicProvisionRejected: rejected,
	} {
		t := session.Subscribe(topic, 1, handler)
		if !t.WaitTimeout(subscribeTimeout) || t.Error() != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topic, t.Error())
		}
	}

	request, err := json.Marshal(provisionRequest{
		CertificateSigningRequest: csrPEM,
		DeviceID:                  deviceID,
		Parameters:                meta,
	})
	if err != nil {
		return nil, fmt.Errorf("encode provisioning request: %w", err)
	}
	if err := c.publish(session, topicProvisionRequest, request); err != nil {
		return nil, err
	}

	timer := time.NewTimer(provisionTimeout)
	defer timer.Stop()

	var resp provisionResponse
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if err := json.Unmarshal(res.payload, &resp); err != nil {
			return nil, fmt.Errorf("parse provisioning response: %w", err)
		}
	case <-timer.C:
		return nil, errors.New("provisioning response timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if resp.CertificatePem == "" {
		return nil, errors.New("provisioning response missing certificate")
	}

	params := &settings.ConnectionParameters{
		HostName:    prov.HostName,
		DeviceID:    deviceID,
		Certificate: resp.CertificatePem,
		PrivateKey:  keyPEM,
		RootCA:      resp.RootCAPem,
	}
	if resp.HostName != "" {
		params.HostName = resp.HostName
	}
	if resp.DeviceID != "" {
		params.DeviceID = resp.DeviceID
	}
	if params.RootCA == "" {
		params.RootCA = prov.RootCA
	}
	return params, nil
}

// generateCSR creates a fresh P-256 key and a certificate signing
// request with CN set to the device id.
func generateCSR(deviceID string) (keyPEM, csrPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal key: %w", err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: deviceID},
	}, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate request: %w", err)
	}

	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	csrPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}))
	return keyPEM, csrPEM, nil
}
