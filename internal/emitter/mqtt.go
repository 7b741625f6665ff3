// Package emitter publishes decoded payloads to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bryanchriswhite/QRInspector/internal/camera"
	"github.com/bryanchriswhite/QRInspector/internal/logger"
)

// Config selects the broker and topic
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
	Retain   bool
}

// Message is the JSON document published for each new payload
type Message struct {
	Payload string    `json:"payload"`
	Frame   uint64    `json:"frame"`
	Time    time.Time `json:"time"`
	Device  string    `json:"device,omitempty"`
}

// Publisher sends one message to a topic
type Publisher interface {
	Publish(topic string, qos byte, retain bool, payload []byte) error
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// MQTTEmitter publishes every changed decode result. Results are queued so
// a slow broker never stalls the acquisition loop.
type MQTTEmitter struct {
	cfg    Config
	device string
	client mqtt.Client
	pub    Publisher

	queue chan Message
	wg    sync.WaitGroup

	mu        sync.RWMutex
	connected bool
	published uint64
	dropped   uint64
	errors    uint64
}

// NewMQTTEmitter creates an emitter; call Connect before Start
func NewMQTTEmitter(cfg Config, device string) *MQTTEmitter {
	if cfg.ClientID == "" {
		cfg.ClientID = "qrinspector"
	}
	return &MQTTEmitter{
		cfg:    cfg,
		device: device,
		queue:  make(chan Message, 64),
	}
}

// newWithPublisher wires an emitter to an existing publisher
func newWithPublisher(cfg Config, device string, pub Publisher) *MQTTEmitter {
	e := NewMQTTEmitter(cfg, device)
	e.pub = pub
	e.connected = true
	return e
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection. The client reconnects on its own
// after a later connection loss.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	log := logger.WithComponent("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Info().Str("broker", e.cfg.Broker).Str("client_id", e.cfg.ClientID).Msg("MQTT connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Warn().Err(err).Str("broker", e.cfg.Broker).Msg("MQTT connection lost, reconnecting")
	}

	e.client = mqtt.NewClient(opts)
	e.pub = clientPublisher{e.client}

	log.Info().Str("broker", e.cfg.Broker).Msg("Connecting to MQTT broker")

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

type clientPublisher struct {
	client mqtt.Client
}

func (p clientPublisher) Publish(topic string, qos byte, retain bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Start drains the queue in the background until ctx is cancelled.
// Disconnect waits for it to finish.
func (e *MQTTEmitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
}

func (e *MQTTEmitter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.queue:
			if err := e.Publish(msg); err != nil {
				logger.WithComponent("mqtt").Warn().Err(err).Str("payload", msg.Payload).Msg("Failed to publish result")
			}
		}
	}
}

// OnResult queues changed results for publication
func (e *MQTTEmitter) OnResult(r camera.Result) {
	if !r.Changed {
		return
	}
	msg := Message{Payload: r.Payload, Frame: r.Frame, Time: r.Time, Device: e.device}
	select {
	case e.queue <- msg:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Publish sends msg synchronously
func (e *MQTTEmitter) Publish(msg Message) error {
	if !e.isConnected() || e.pub == nil {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := e.pub.Publish(e.cfg.Topic, e.cfg.QoS, e.cfg.Retain, data); err != nil {
		e.countError()
		return fmt.Errorf("publish to %s failed: %w", e.cfg.Topic, err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	logger.WithComponent("mqtt").Debug().
		Str("topic", e.cfg.Topic).
		Int("size", len(data)).
		Msg("Result published")
	return nil
}

// Disconnect waits for the drain goroutine to return and closes the
// client. A client still retrying its first connection is stopped too.
func (e *MQTTEmitter) Disconnect() {
	e.wg.Wait()
	if e.client != nil {
		wasConnected := e.client.IsConnected()
		e.client.Disconnect(250)
		if wasConnected {
			logger.WithComponent("mqtt").Info().Msg("MQTT disconnected")
		}
	}
	e.setConnected(false)
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.connected,
		Published: e.published,
		Dropped:   e.dropped,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
