package cloud

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"edge-agent/internal/buffer"
	"edge-agent/internal/settings"
	"edge-agent/internal/state"
)

// Sentinel errors for hub operations.
var (
	// ErrNotConnected is returned when an operation requires an active
	// hub session and there is none.
	ErrNotConnected = errors.New("no active hub session")
	// ErrTwinGetTimeout is returned when the hub does not answer a twin
	// get within the response window.
	ErrTwinGetTimeout = errors.New("twin get timed out")
	// ErrTwinGetInFlight is returned when a twin get is already
	// awaiting its response.
	ErrTwinGetInFlight = errors.New("twin get already in flight")
	// ErrProvisioningRejected is returned when the hub denies a
	// certificate request.
	ErrProvisioningRejected = errors.New("provisioning request rejected")
)

const (
	connectTimeout   = 30 * time.Second
	publishTimeout   = 5 * time.Second
	keepAlive        = 30 * time.Second // shorter than paho's 60s default
	heartbeatPeriod  = 30 * time.Second
	defaultTwinWait  = 10 * time.Second
	subscribeTimeout = 10 * time.Second
)

// Status is the transient client status. Connecting and Connected are
// mutually exclusive by construction.
type Status struct {
	Connecting   bool
	Connected    bool
	Provisioning bool
	Provisioned  bool
}

// mqttClient is the slice of the paho client the hub client needs.
// paho.Client satisfies it.
type mqttClient interface {
	IsConnected() bool
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
}

// Client owns the single persistent, mutually-authenticated hub
// session of the process: connect/reconnect with backoff, topic
// routing, twin sync, direct-method dispatch and the provisioning
// handshake. It is the sole writer of its session.
type Client struct {
	logger  *slog.Logger
	bus     *state.EventBus
	outbox  *buffer.Buffer
	methods *MethodRegistry

	// newMQTT builds the underlying transport; replaced in tests.
	newMQTT func(*pahomqtt.ClientOptions) mqttClient

	twinWait time.Duration

	mu             sync.Mutex
	params         *settings.ConnectionParameters
	session        mqttClient
	status         Status
	attempt        int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	closed         bool

	twinMu      sync.Mutex
	twinPending chan twinResult
}

type twinResult struct {
	payload []byte
	err     error
}

// New creates a hub client. params may be nil when the device has not
// been provisioned yet; Connect will reject until complete parameters
// are supplied. outbox may be nil to disable store-and-forward.
func New(params *settings.ConnectionParameters, bus *state.EventBus, outbox *buffer.Buffer, logger *slog.Logger) *Client {
	return &Client{
		logger:   logger.With("component", "cloud"),
		bus:      bus,
		outbox:   outbox,
		methods:  NewMethodRegistry(),
		twinWait: defaultTwinWait,
		params:   params,
		newMQTT: func(opts *pahomqtt.ClientOptions) mqttClient {
			return pahomqtt.NewClient(opts)
		},
	}
}

// RegisterDirectMethod binds a named remote procedure. All methods are
// registered before Connect so dispatch can never race registration.
func (c *Client) RegisterDirectMethod(name string, handler DirectMethodHandler) {
	c.methods.Register(name, handler)
}

// UpdateParameters replaces the connection parameters used by the next
// connect attempt. The caller keeps ownership of p; the client stores
// a copy.
func (c *Client) UpdateParameters(p *settings.ConnectionParameters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p == nil {
		c.params = nil
		return
	}
	cp := *p
	c.params = &cp
}

// Status returns a copy of the transient client status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect establishes the hub session. Incomplete credentials fail
// with settings.ErrIncompleteCredentials before any transport work.
// Transport failures schedule a reconnect and are returned to the
// caller.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	if c.status.Connecting || c.status.Connected {
		c.mu.Unlock()
		return nil
	}
	if !c.params.Complete() {
		c.mu.Unlock()
		return settings.ErrIncompleteCredentials
	}
	params := *c.params
	c.status.Connecting = true
	c.status.Connected = false
	c.mu.Unlock()

	c.emitConnection(state.ConnConnecting)
	c.logger.Info("connecting to hub", "host", params.HostName, "deviceId", params.DeviceID)

	tlsCfg, err := clientTLSConfig(params.Certificate, params.PrivateKey, params.RootCA)
	if err != nil {
		c.failConnect()
		return fmt.Errorf("build TLS config: %w", err)
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker("tls://" + params.HostName + ":8883").
		SetClientID(params.DeviceID).
		SetTLSConfig(tlsCfg).
		SetCleanSession(false). // persistent session, queued deliveries survive reconnects
		SetKeepAlive(keepAlive).
		SetAutoReconnect(false). // reconnection policy is owned here
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.handleConnectionLost(err)
		})

	session := c.newMQTT(opts)

	token := session.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.failConnect()
		return errors.New("hub connect timeout")
	}
	if err := token.Error(); err != nil {
		c.failConnect()
		return fmt.Errorf("hub connect: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	return c.handleConnected(params.DeviceID)
}

// Reconnect forces a fresh connect attempt, tearing down any existing
// session and resetting the backoff counter.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	if c.session != nil {
		c.session.Disconnect(250)
		c.session = nil
	}
	c.status.Connecting = false
	c.status.Connected = false
	c.attempt = 0
	c.mu.Unlock()

	c.emitConnection(state.ConnDisconnected)
	return c.Connect(ctx)
}

// Close tears down the session and stops all timers. The client cannot
// be reused afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	session := c.session
	c.session = nil
	c.status = Status{Provisioned: c.status.Provisioned}
	c.mu.Unlock()

	if session != nil {
		session.Disconnect(250)
	}
}

// SendMessage publishes an application event. Fails with
// ErrNotConnected when there is no active session; callers that want
// store-and-forward enqueue on that error.
func (c *Client) SendMessage(payload []byte) error {
	session, deviceID, ok := c.activeSession()
	if !ok {
		return ErrNotConnected
	}
	return c.publish(session, topicEvents(deviceID), payload)
}

// UpdateState merges one reported key into the twin. The envelope
// shape is exactly {"reported":{key:value}}.
func (c *Client) UpdateState(key string, value interface{}) error {
	session, deviceID, ok := c.activeSession()
	if !ok {
		return ErrNotConnected
	}
	envelope, err := json.Marshal(map[string]interface{}{
		"reported": map[string]interface{}{key: value},
	})
	if err != nil {
		return fmt.Errorf("encode twin update: %w", err)
	}
	return c.publish(session, topicTwinUpdate(deviceID), envelope)
}

// GetTwin requests the full twin document and waits for the accepted
// or rejected response. The response listener is always detached when
// the call settles, including on timeout.
func (c *Client) GetTwin(ctx context.Context) (map[string]interface{}, error) {
	session, deviceID, ok := c.activeSession()
	if !ok {
		return nil, ErrNotConnected
	}

	ch := make(chan twinResult, 1)
	c.twinMu.Lock()
	if c.twinPending != nil {
		c.twinMu.Unlock()
		return nil, ErrTwinGetInFlight
	}
	c.twinPending = ch
	c.twinMu.Unlock()

	detach := func() {
		c.twinMu.Lock()
		c.twinPending = nil
		c.twinMu.Unlock()
	}

	if err := c.publish(session, topicTwinGet(deviceID), []byte{}); err != nil {
		detach()
		return nil, err
	}

	timer := time.NewTimer(c.twinWait)
	defer timer.Stop()

	select {
	case res := <-ch:
		detach()
		if res.err != nil {
			return nil, res.err
		}
		var twin map[string]interface{}
		if err := json.Unmarshal(res.payload, &twin); err != nil {
			return nil, fmt.Errorf("parse twin document: %w", err)
		}
		return twin, nil
	case <-timer.C:
		detach()
		return nil, ErrTwinGetTimeout
	case <-ctx.Done():
		detach()
		return nil, ctx.Err()
	}
}

// handleConnected runs after a successful transport connect: it
// resets the backoff counter, subscribes all device-scoped topics,
// starts the heartbeat and drains the offline buffer. A session that
// cannot subscribe has no method or twin routing and is useless; it is
// torn down like a failed connect.
func (c *Client) handleConnected(deviceID string) error {
	c.mu.Lock()
	c.status.Connecting = false
	c.status.Connected = true
	c.attempt = 0
	session := c.session
	c.mu.Unlock()

	c.logger.Info("hub connected", "deviceId", deviceID)

	subs := map[string]pahomqtt.MessageHandler{
		topicTwinUpdateAccepted(deviceID): func(_ pahomqtt.Client, msg pahomqtt.Message) {
			c.logger.Debug("twin update accepted")
		},
		topicTwinUpdateRejected(deviceID): func(_ pahomqtt.Client, msg pahomqtt.Message) {
			c.logger.Warn("twin update rejected", "payload", string(msg.Payload()))
		},
		topicTwinDelta(deviceID): func(_ pahomqtt.Client, msg pahomqtt.Message) {
			c.handleTwinDelta(msg.Payload())
		},
		topicTwinGetAccepted(deviceID): func(_ pahomqtt.Client, msg pahomqtt.Message) {
			c.settleTwinGet(msg.Payload(), nil)
		},
		topicTwinGetRejected(deviceID): func(_ pahomqtt.Client, msg pahomqtt.Message) {
			c.settleTwinGet(nil, fmt.Errorf("twin get rejected: %s", msg.Payload()))
		},
		topicMethodPost(deviceID): func(_ pahomqtt.Client, msg pahomqtt.Message) {
			c.handleMethodRequest(deviceID, msg.Payload())
		},
		topicDevicebound(deviceID): func(_ pahomqtt.Client, msg pahomqtt.Message) {
			c.handleCloudMessage(msg.Payload())
		},
	}
	for topic, handler := range subs {
		token := session.Subscribe(topic, 1, handler)
		if !token.WaitTimeout(subscribeTimeout) || token.Error() != nil {
			err := token.Error()
			if err == nil {
				err = errors.New("timeout")
			}
			c.logger.Error("subscribe failed, dropping session", "topic", topic, "err", err)
			c.dropSession()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	c.startHeartbeat(deviceID)
	c.emitConnection(state.ConnConnected)

	if c.outbox != nil {
		go c.drainOutbox()
	}
	return nil
}

// dropSession tears down an established session that turned out
// unusable and schedules a fresh connect.
func (c *Client) dropSession() {
	c.mu.Lock()
	c.stopHeartbeatLocked()
	session := c.session
	c.session = nil
	c.status.Connecting = false
	c.status.Connected = false
	c.mu.Unlock()

	if session != nil {
		session.Disconnect(250)
	}
	c.emitConnection(state.ConnDisconnected)
	c.scheduleReconnect()
}

func (c *Client) handleConnectionLost(err error) {
	c.logger.Warn("hub connection lost", "err", err)
	c.mu.Lock()
	c.stopHeartbeatLocked()
	c.status.Connecting = false
	c.status.Connected = false
	c.mu.Unlock()

	c.emitConnection(state.ConnDisconnected)
	c.scheduleReconnect()
}

// failConnect records a failed connect attempt and schedules the next
// one.
func (c *Client) failConnect() {
	c.mu.Lock()
	c.status.Connecting = false
	c.status.Connected = false
	c.mu.Unlock()

	c.emitConnection(state.ConnDisconnected)
	c.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer. Attempts are serialized:
// nothing is scheduled while a timer is pending or a connect attempt
// is in flight.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnectTimer != nil || c.status.Connecting || c.status.Connected {
		return
	}
	delay := reconnectDelay(c.attempt)
	if c.attempt < backoffMaxExponent {
		c.attempt++
	}
	c.logger.Info("reconnect scheduled", "delay", delay, "attempt", c.attempt)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("reconnect attempt failed", "err", err)
		}
	})
}

func (c *Client) activeSession() (mqttClient, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.Connected || c.session == nil || c.params == nil {
		return nil, "", false
	}
	return c.session, c.params.DeviceID, true
}

// publish sends one QoS 1 message and waits for the ack.
func (c *Client) publish(session mqttClient, topic string, payload []byte) error {
	token := session.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) settleTwinGet(payload []byte, err error) {
	c.twinMu.Lock()
	ch := c.twinPending
	c.twinMu.Unlock()
	if ch == nil {
		// No waiter (late response after timeout); drop.
		return
	}
	select {
	case ch <- twinResult{payload: payload, err: err}:
	default:
	}
}

func (c *Client) handleTwinDelta(payload []byte) {
	var delta map[string]interface{}
	if err := json.Unmarshal(payload, &delta); err != nil {
		c.logger.Warn("malformed twin delta", "err", err)
		return
	}
	c.bus.Emit(state.Event{Type: state.EventTwinDelta, Data: delta})
}

func (c *Client) handleCloudMessage(payload []byte) {
	c.logger.Debug("cloud message received", "bytes", len(payload))
	c.bus.Emit(state.Event{Type: state.EventCloudMessage, Data: json.RawMessage(payload)})
}

// handleMethodRequest dispatches a direct-method call and publishes
// the response to the per-request response topic. Requests that cannot
// be correlated are logged and dropped. Each request runs in its own
// goroutine: paho delivers subscription callbacks in order, and a
// handler that waits (a user-confirmation window, a slow shell-out)
// must not hold up twin responses or other in-flight calls. The
// per-requestId response topic keeps correlation intact regardless of
// completion order.
func (c *Client) handleMethodRequest(deviceID string, payload []byte) {
	go c.dispatchMethodRequest(deviceID, payload)
}

func (c *Client) dispatchMethodRequest(deviceID string, payload []byte) {
	resp := c.methods.dispatch(payload)
	if resp == nil {
		c.logger.Warn("uncorrelatable direct method request", "payload", string(payload))
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("encode method response", "err", err)
		return
	}

	session, _, ok := c.activeSession()
	if !ok {
		c.logger.Warn("method response dropped, session gone", "requestId", resp.RequestID)
		return
	}
	if err := c.publish(session, topicMethodResponse(deviceID, resp.RequestID), data); err != nil {
		c.logger.Warn("publish method response", "requestId", resp.RequestID, "err", err)
	}
}

// startHeartbeat emits a periodic best-effort heartbeat. Failures are
// swallowed; the heartbeat is not essential-path.
func (c *Client) startHeartbeat(deviceID string) {
	c.mu.Lock()
	if c.heartbeatStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			session, id, ok := c.activeSession()
			if !ok {
				continue
			}
			beat, _ := json.Marshal(map[string]interface{}{
				"deviceId":  id,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			if err := c.publish(session, topicHeartbeat(id), beat); err != nil {
				c.logger.Debug("heartbeat publish failed", "err", err)
			}
		}
	}()
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// drainOutbox delivers buffered messages in order. Delivery stops on
// the first failure; the unacknowledged message stays queued.
func (c *Client) drainOutbox() {
	for {
		key, payload, err := c.outbox.Peek()
		if errors.Is(err, buffer.ErrEmpty) {
			return
		}
		if err != nil {
			c.logger.Warn("outbox peek", "err", err)
			return
		}
		if err := c.SendMessage(payload); err != nil {
			c.logger.Warn("outbox drain stopped", "err", err)
			return
		}
		if err := c.outbox.Ack(key); err != nil {
			c.logger.Warn("outbox ack", "err", err)
			return
		}
	}
}

func (c *Client) emitConnection(connection string) {
	c.bus.Emit(state.Event{Type: state.EventCloudStatus, Data: map[string]interface{}{
		"connection": connection,
	}})
}

func (c *Client) emitProvision(provision string) {
	c.bus.Emit(state.Event{Type: state.EventCloudStatus, Data: map[string]interface{}{
		"provision": provision,
	}})
}

// clientTLSConfig builds a mutual-TLS config from PEM material.
func clientTLSConfig(certPEM, keyPEM, rootCAPEM string) (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if rootCAPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(rootCAPEM)) {
			return nil, errors.New("no valid certificates in root CA bundle")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
