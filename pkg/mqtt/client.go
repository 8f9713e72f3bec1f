// Package mqtt wraps the paho client with the small publish/subscribe
// surface the bridge needs.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/docbliny/bt2mqtt/pkg/config"
	"github.com/docbliny/bt2mqtt/pkg/logger"
	"github.com/docbliny/bt2mqtt/pkg/metrics"
)

// Common errors.
var (
	ErrNotConnected = errors.New("not connected")
)

const defaultConnectTimeout = 10 * time.Second

// MessageHandler receives inbound messages for a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Client is a thin connection-owning wrapper around the paho client.
type Client struct {
	mu sync.RWMutex

	log    *logger.Logger
	config config.MQTTConfig

	client        mqtt.Client
	subscriptions map[string]MessageHandler
}

// NewClient creates a new MQTT client from configuration. A client ID is
// generated when none is configured.
func NewClient(cfg config.MQTTConfig, log *logger.Logger) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "bt2mqtt-" + uuid.NewString()[:8]
	}
	return &Client{
		log:           log.Component("mqtt"),
		config:        cfg,
		subscriptions: make(map[string]MessageHandler),
	}
}

// Connect establishes the broker connection and re-establishes
// subscriptions whenever the connection comes back.
func (c *Client) Connect(ctx context.Context) error {
	broker := fmt.Sprintf("tcp://%s:%d", c.config.Host, c.config.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.log.Info("connected to broker", "broker", broker)
		c.resubscribe(client)
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.log.Warn("broker connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	finished := make(chan struct{})
	go func() {
		token.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to %s: %w", broker, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	return nil
}

// Publish sends a message. QoS 0 throughout; retain per call.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, 0, retain, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	metrics.IncMessage(metrics.DirectionOutbound)
	c.log.Debug("published", "topic", topic, "retain", retain, "bytes", len(payload))
	return nil
}

// Subscribe registers a handler for a topic. The subscription survives
// broker reconnects.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	client := c.client
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	return c.subscribe(client, topic, handler)
}

func (c *Client) subscribe(client mqtt.Client, topic string, handler MessageHandler) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		metrics.IncMessage(metrics.DirectionInbound)
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) resubscribe(client mqtt.Client) {
	c.mu.RLock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for topic, handler := range c.subscriptions {
		subs[topic] = handler
	}
	c.mu.RUnlock()

	for topic, handler := range subs {
		if err := c.subscribe(client, topic, handler); err != nil {
			c.log.Warn("resubscribe failed", "topic", topic, "error", err)
		}
	}
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && c.client.IsConnected()
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
