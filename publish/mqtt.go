// Package publish forwards device readings to MQTT. Every value is published to
// <topic>/<device>/<channel> as a plain decimal string.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mklimuk/i2cpoll/poller"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

const DefaultTimeout = 5 * time.Second
const DefaultQueueSize = 64

var ErrTimeout = errors.New("MQTT operation timed out")
var ErrClosed = errors.New("publisher closed")

// Client is the part of the paho client the publisher uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Retain   bool
	Timeout  time.Duration
}

// OptsFromConfig builds paho options with a retained offline will on the bridge
// state topic.
func OptsFromConfig(cfg Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetWill(bridgeStateTopic(cfg.Topic), PayloadOffline, 0, true)
	return opts
}

type Option func(*MQTT)

func WithLogger(logger *slog.Logger) Option {
	return func(m *MQTT) {
		m.logger = logger
	}
}

// WithQueueSize bounds the number of readings waiting for the broker. Readings
// arriving on a full queue are dropped.
func WithQueueSize(size int) Option {
	return func(m *MQTT) {
		m.queueSize = size
	}
}

type Stats struct {
	Published uint64
	Dropped   uint64
	Failed    uint64
}

type message struct {
	topic   string
	payload string
}

// MQTT publishes device events through a background worker so listeners never wait
// on the broker.
type MQTT struct {
	client    Client
	cfg       Config
	logger    *slog.Logger
	queueSize int

	mx     sync.RWMutex
	closed bool
	queue  chan message
	done   chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func New(client Client, cfg Config, opts ...Option) *MQTT {
	m := &MQTT{
		client:    client,
		cfg:       cfg,
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		done:      make(chan struct{}),
	}
	if m.cfg.Timeout <= 0 {
		m.cfg.Timeout = DefaultTimeout
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("broker", cfg.Broker)
	m.queue = make(chan message, m.queueSize)
	go m.run()
	return m
}

// Dial creates a paho client for cfg and connects it.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*MQTT, error) {
	m := New(mqtt.NewClient(OptsFromConfig(cfg)), cfg, opts...)
	if err := m.Connect(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Connect connects to the broker and announces the bridge online.
func (m *MQTT) Connect(ctx context.Context) error {
	if err := m.wait(ctx, m.client.Connect()); err != nil {
		return fmt.Errorf("could not connect to %s: %w", m.cfg.Broker, err)
	}
	m.logger.Info("connected")
	if err := m.wait(ctx, m.client.Publish(m.BridgeStateTopic(), 0, true, PayloadOnline)); err != nil {
		return fmt.Errorf("could not publish bridge state: %w", err)
	}
	return nil
}

func (m *MQTT) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) BridgeStateTopic() string {
	return bridgeStateTopic(m.cfg.Topic)
}

func bridgeStateTopic(base string) string {
	return fmt.Sprintf("%s/bridge/state", base)
}

func (m *MQTT) Topic(device string, channel string) string {
	return fmt.Sprintf("%s/%s/%s", m.cfg.Topic, device, channel)
}

// Listen queues ev for publishing. It never blocks.
func (m *MQTT) Listen(ev poller.Event) {
	msg := message{
		topic:   m.Topic(ev.Device, string(ev.Channel)),
		payload: strconv.FormatFloat(ev.Value, 'f', -1, 64),
	}
	m.mx.RLock()
	defer m.mx.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return
	}
	select {
	case m.queue <- msg:
	default:
		m.dropped.Add(1)
		m.logger.Warn("publish queue full, dropping reading", "topic", msg.topic)
	}
}

func (m *MQTT) run() {
	defer close(m.done)
	for msg := range m.queue {
		err := m.wait(context.Background(), m.client.Publish(msg.topic, m.cfg.QoS, m.cfg.Retain, msg.payload))
		if err != nil {
			m.failed.Add(1)
			m.logger.Warn("could not publish reading", "topic", msg.topic, "error", err)
			continue
		}
		m.published.Add(1)
		m.logger.Debug("reading published", "topic", msg.topic, "value", msg.payload)
	}
}

func (m *MQTT) Stats() Stats {
	return Stats{
		Published: m.published.Load(),
		Dropped:   m.dropped.Load(),
		Failed:    m.failed.Load(),
	}
}

// Close flushes queued readings, announces the bridge offline and disconnects.
func (m *MQTT) Close() {
	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mx.Unlock()
	<-m.done
	if err := m.wait(context.Background(), m.client.Publish(m.BridgeStateTopic(), 0, true, PayloadOffline)); err != nil {
		m.logger.Debug("could not publish bridge state", "error", err)
	}
	m.client.Disconnect(250)
	m.logger.Info("disconnected")
}
