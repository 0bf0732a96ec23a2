// Package mqtt wraps the paho client behind the facade the rest of the
// fabric publishes and subscribes through. It adds bounded publish
// windows, per-domain inbound dispatch lanes, resubscribe on reconnect,
// and connection-state callbacks.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/resilience"
	"github.com/telefabric/telefabric/topic"
)

// ConnState is a connection lifecycle state reported to callbacks.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// StateChange carries the new state and, for disconnects, the cause.
type StateChange struct {
	State  ConnState
	Reason error
}

// MessageHandler receives one inbound message. Handlers run off the
// broker I/O goroutine and may block briefly; messages that share an
// ordering domain (one edge node, one device) are handed to the
// handler in broker-delivery order.
type MessageHandler func(topic string, payload []byte)

type subscription struct {
	pattern string
	qos     byte
	handler MessageHandler
}

type outbound struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

type inbound struct {
	topic   string
	payload []byte
	handler MessageHandler
}

// Client is the broker client facade shared by every process in the
// fabric. One Client owns one broker connection.
type Client struct {
	cfg    core.BrokerConfig
	logger core.Logger

	mu      sync.RWMutex
	paho    pahomqtt.Client
	subs    []subscription
	started bool
	closed  bool

	stateCBs []func(StateChange)

	queue    chan outbound  // queued window
	inflight chan struct{}  // in-flight window
	lanes    []chan inbound // inbound dispatch, one goroutine per lane
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewClient builds a facade around a not-yet-connected paho client.
func NewClient(cfg core.BrokerConfig, logger core.Logger) *Client {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	workers := cfg.DispatchWorkers
	if workers <= 0 {
		workers = 4
	}
	lanes := make([]chan inbound, workers)
	for i := range lanes {
		lanes[i] = make(chan inbound, cfg.QueuedWindow)
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan outbound, cfg.QueuedWindow),
		inflight: make(chan struct{}, cfg.InflightWindow),
		lanes:    lanes,
		done:     make(chan struct{}),
	}
}

// OnStateChange registers a connection-state callback. Must be called
// before Connect.
func (c *Client) OnStateChange(cb func(StateChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCBs = append(c.stateCBs, cb)
}

func (c *Client) notify(sc StateChange) {
	c.mu.RLock()
	cbs := make([]func(StateChange), len(c.stateCBs))
	copy(cbs, c.stateCBs)
	c.mu.RUnlock()
	for _, cb := range cbs {
		cb(sc)
	}
}

// Connect establishes the broker connection and starts the publish and
// dispatch loops. The initial dial retries with backoff up to the
// configured attempt ceiling; auth and TLS failures abort immediately.
// After that, reconnects are automatic and subscriptions are replayed
// on every successful (re)connect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	scheme := "tcp"
	opts := pahomqtt.NewClientOptions()
	if c.cfg.UseTLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port))
	opts.SetClientID(c.cfg.ClientID)
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectCeiling)

	opts.SetOnConnectHandler(func(pc pahomqtt.Client) {
		c.notify(StateChange{State: StateConnected})
		c.resubscribe(pc)
	})
	opts.SetConnectionLostHandler(func(pc pahomqtt.Client, err error) {
		c.logger.Warn("broker connection lost", map[string]interface{}{"error": err})
		c.notify(StateChange{State: StateDisconnected, Reason: err})
		c.notify(StateChange{State: StateReconnecting})
	})

	c.notify(StateChange{State: StateConnecting})
	paho := pahomqtt.NewClient(opts)
	retryCfg := &resilience.RetryConfig{
		MaxAttempts:   c.cfg.ConnectRetries,
		InitialDelay:  time.Second,
		MaxDelay:      c.cfg.ReconnectCeiling,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
	err := resilience.Retry(ctx, retryCfg, func() error {
		token := paho.Connect()
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			return core.ErrUnreachable
		}
		if err := token.Error(); err != nil {
			return classifyConnectError(err)
		}
		return nil
	})
	if err != nil {
		return core.NewFabricError("mqtt.Connect", "transport", err)
	}

	c.mu.Lock()
	c.paho = paho
	c.mu.Unlock()

	c.wg.Add(1)
	go c.publishLoop()
	c.startDispatch()
	return nil
}

func classifyConnectError(err error) error {
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return core.ErrAuthFailed
	}
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) {
		return core.ErrTLSFailed
	}
	return fmt.Errorf("%w: %v", core.ErrUnreachable, err)
}

// Subscribe registers a pattern with a handler. Registrations made
// before Connect take effect on the first connect; every subscription
// survives reconnects without caller action.
func (c *Client) Subscribe(pattern string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrShuttingDown
	}
	c.subs = append(c.subs, subscription{pattern: pattern, qos: qos, handler: handler})
	pc := c.paho
	c.mu.Unlock()

	if pc == nil {
		// applied by resubscribe when the first connect lands
		return nil
	}
	token := pc.Subscribe(pattern, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.enqueueInbound(msg.Topic(), msg.Payload(), handler)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return core.NewFabricError("mqtt.Subscribe", "transport", err)
	}
	return nil
}

func (c *Client) resubscribe(pc pahomqtt.Client) {
	c.mu.RLock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, s := range subs {
		s := s
		token := pc.Subscribe(s.pattern, s.qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			c.enqueueInbound(msg.Topic(), msg.Payload(), s.handler)
		})
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error("resubscribe failed", map[string]interface{}{
				"pattern": s.pattern,
				"error":   err,
			})
		}
	}
	if len(subs) > 0 {
		c.logger.Info("subscriptions restored", map[string]interface{}{"count": len(subs)})
	}
}

// orderingKey names the domain whose messages must stay in delivery
// order: the edge node for telemetry topics, the device for management
// topics. Anything else serializes per topic.
func orderingKey(t string) string {
	if tel, err := topic.ParseTelemetry(t); err == nil {
		return tel.GroupID + "/" + tel.NodeID
	}
	if m, err := topic.ParseMgmt(t); err == nil {
		return m.Prefix + "/" + m.DeviceID
	}
	return t
}

func (c *Client) laneFor(t string) chan inbound {
	h := fnv.New32a()
	h.Write([]byte(orderingKey(t)))
	return c.lanes[h.Sum32()%uint32(len(c.lanes))]
}

func (c *Client) enqueueInbound(topic string, payload []byte, handler MessageHandler) {
	select {
	case c.laneFor(topic) <- inbound{topic: topic, payload: payload, handler: handler}:
	default:
		c.logger.Warn("inbound dispatch lane full, message dropped", map[string]interface{}{
			"topic": topic,
		})
	}
}

// startDispatch runs one goroutine per lane. A lane always carries the
// same ordering domains, so handlers see those messages sequentially;
// concurrency exists only across unrelated nodes and devices.
func (c *Client) startDispatch() {
	for _, lane := range c.lanes {
		lane := lane
		c.wg.Add(1)
		go c.dispatchLoop(lane)
	}
}

func (c *Client) dispatchLoop(lane chan inbound) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case job := <-lane:
			job.handler(job.topic, job.payload)
		}
	}
}

// Publish enqueues a message. It never blocks: when the queued window
// is full the publish fails with ErrBackpressure.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) error {
	c.mu.RLock()
	closed := c.closed
	connected := c.paho != nil
	c.mu.RUnlock()
	if closed {
		return core.ErrShuttingDown
	}
	if !connected {
		return core.ErrNotConnected
	}

	select {
	case c.queue <- outbound{topic: topic, payload: payload, qos: qos, retain: retain}:
		return nil
	default:
		return core.NewFabricError("mqtt.Publish", "transport", core.ErrBackpressure)
	}
}

func (c *Client) publishLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case out := <-c.queue:
			c.inflight <- struct{}{}
			c.mu.RLock()
			pc := c.paho
			c.mu.RUnlock()
			token := pc.Publish(out.topic, out.qos, out.retain, out.payload)
			if out.qos == 0 {
				<-c.inflight
				continue
			}
			go func(t pahomqtt.Token, topic string) {
				defer func() { <-c.inflight }()
				t.Wait()
				if err := t.Error(); err != nil {
					c.logger.Error("publish failed", map[string]interface{}{
						"topic": topic,
						"error": err,
					})
				}
			}(token, out.topic)
		}
	}
}

// Disconnect drains in-flight publishes within the grace period and
// closes the connection.
func (c *Client) Disconnect(grace time.Duration) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pc := c.paho
	c.mu.Unlock()

	close(c.done)
	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(grace):
		c.logger.Warn("shutdown grace expired with work in flight", nil)
	}

	if pc != nil {
		pc.Disconnect(uint(grace / time.Millisecond))
	}
	c.notify(StateChange{State: StateDisconnected})
}
