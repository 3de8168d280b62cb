package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"edge-agent/internal/settings"
	"edge-agent/internal/state"
)

// ErrLinkNotConfirmed is returned when the link window expires without
// a button press.
var ErrLinkNotConfirmed = errors.New("link not confirmed by button press")

// registerDirectMethods populates the method registry. All methods are
// registered before the hub session exists, so the first subscribe can
// never race a late registration.
func (a *Agent) registerDirectMethods() {
	a.cloud.RegisterDirectMethod("identify", a.methodIdentify)
	a.cloud.RegisterDirectMethod("reboot", a.methodReboot)
	a.cloud.RegisterDirectMethod("reconnect", a.methodReconnect)
	a.cloud.RegisterDirectMethod("reprovision", a.methodReprovision)
	a.cloud.RegisterDirectMethod("getConnectionParameters", a.methodGetConnectionParameters)
	a.cloud.RegisterDirectMethod("updateConnectionParameters", a.methodUpdateConnectionParameters)
	a.cloud.RegisterDirectMethod("getProvisioningParameters", a.methodGetProvisioningParameters)
	a.cloud.RegisterDirectMethod("updateProvisioningParameters", a.methodUpdateProvisioningParameters)
	a.cloud.RegisterDirectMethod("linkToUserAccount", a.methodLinkToUserAccount)
}

func (a *Agent) methodIdentify(json.RawMessage) (interface{}, error) {
	a.states.InterruptIndicators("identify")
	return map[string]string{"message": "identifying"}, nil
}

// methodReboot answers first, reboots after a short delay so the
// response still reaches the hub.
func (a *Agent) methodReboot(json.RawMessage) (interface{}, error) {
	a.reboot()
	return map[string]string{"message": "rebooting"}, nil
}

func (a *Agent) methodReconnect(json.RawMessage) (interface{}, error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.cloud.Reconnect(ctx); err != nil {
			a.logger.Warn("reconnect method", "error", err)
		}
	}()
	return map[string]string{"message": "reconnecting"}, nil
}

func (a *Agent) methodReprovision(json.RawMessage) (interface{}, error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := a.provision(ctx); err != nil {
			a.logger.Error("reprovision method", "error", err)
		}
	}()
	return map[string]string{"message": "reprovisioning"}, nil
}

// methodGetConnectionParameters returns the stored connection metadata.
// The private key never leaves the device.
func (a *Agent) methodGetConnectionParameters(json.RawMessage) (interface{}, error) {
	p, err := a.store.ConnectionParameters()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"hostName":    p.HostName,
		"deviceId":    p.DeviceID,
		"certificate": p.Certificate,
	}, nil
}

type connectionParametersBody struct {
	HostName    string `json:"hostName"`
	DeviceID    string `json:"deviceId"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"privateKey"`
	RootCA      string `json:"rootCa"`
}

func (a *Agent) methodUpdateConnectionParameters(body json.RawMessage) (interface{}, error) {
	var req connectionParametersBody
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	params := &settings.ConnectionParameters{
		HostName:    req.HostName,
		DeviceID:    req.DeviceID,
		Certificate: req.Certificate,
		PrivateKey:  req.PrivateKey,
		RootCA:      req.RootCA,
	}
	if err := a.store.SetConnectionParameters(params); err != nil {
		return nil, err
	}
	a.cloud.UpdateParameters(params)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.cloud.Reconnect(ctx); err != nil {
			a.logger.Warn("reconnect after parameter update", "error", err)
		}
	}()
	return map[string]string{"message": "connection parameters updated"}, nil
}

func (a *Agent) methodGetProvisioningParameters(json.RawMessage) (interface{}, error) {
	p, err := a.store.ProvisioningParameters()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"hostName":    p.HostName,
		"clientId":    p.ClientID,
		"certificate": p.Certificate,
	}, nil
}

type provisioningParametersBody struct {
	HostName    string `json:"hostName"`
	ClientID    string `json:"clientId"`
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"privateKey"`
	RootCA      string `json:"rootCa"`
}

func (a *Agent) methodUpdateProvisioningParameters(body json.RawMessage) (interface{}, error) {
	var req provisioningParametersBody
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = a.identity.UUID
	}
	params := &settings.ProvisioningParameters{
		HostName:    req.HostName,
		ClientID:    clientID,
		Certificate: req.Certificate,
		PrivateKey:  req.PrivateKey,
		RootCA:      req.RootCA,
	}
	if err := a.store.SetProvisioningParameters(params); err != nil {
		return nil, err
	}
	return map[string]string{"message": "provisioning parameters updated"}, nil
}

// methodLinkToUserAccount asks for physical confirmation: the user has
// the link window to press the button. Whichever way the race settles,
// the button listener is removed before returning.
func (a *Agent) methodLinkToUserAccount(body json.RawMessage) (interface{}, error) {
	click := make(chan struct{}, 1)
	unsub := a.bus.On(state.EventButton, func(e state.Event) {
		data, ok := e.Data.(map[string]interface{})
		if !ok {
			return
		}
		if kind, _ := data["kind"].(string); kind == "click" {
			select {
			case click <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	// Prompt the user.
	a.states.InterruptIndicators("beep")

	timer := time.NewTimer(a.linkWindow)
	defer timer.Stop()

	select {
	case <-click:
		a.logger.Info("account link confirmed by button press")
		a.states.InterruptIndicators("identify")
		return map[string]interface{}{"confirmed": true, "deviceId": a.identity.UUID}, nil
	case <-timer.C:
		return nil, ErrLinkNotConfirmed
	}
}
