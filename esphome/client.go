package esphome

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	// qosAtLeastOnce is used for every subscription and command.
	qosAtLeastOnce = 1

	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
)

// MessageHandler receives a message from the broker.
type MessageHandler func(topic string, payload []byte) error

// ClientConfig configures the broker connection.
type ClientConfig struct {
	Broker           string
	ClientID         string
	Username         string
	Password         string
	ConnectTimeout   time.Duration
	ReconnectBackoff time.Duration
	MaxReconnectWait time.Duration
}

// Client is the broker connection shared by every device link.
// Subscriptions are restored after a reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    ClientConfig
	logger *zap.Logger

	subMu         sync.RWMutex
	subscriptions map[string]MessageHandler

	connMu    sync.RWMutex
	connected bool

	callbackMu sync.RWMutex
	listeners  []func(connected bool, err error)
}

// NewClient creates a broker client. It does not connect.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("broker is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	c := &Client{
		cfg:           cfg,
		logger:        logger.With(zap.String("component", "mqtt")),
		subscriptions: make(map[string]MessageHandler),
	}
	c.client = pahomqtt.NewClient(c.buildOptions())

	return c, nil
}

func (c *Client) buildOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	if c.cfg.ReconnectBackoff > 0 {
		opts.SetConnectRetryInterval(c.cfg.ReconnectBackoff)
	}
	if c.cfg.MaxReconnectWait > 0 {
		opts.SetMaxReconnectInterval(c.cfg.MaxReconnectWait)
	}
	if c.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	}
	opts.SetKeepAlive(defaultKeepAlive)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.logger.Debug("reconnecting to broker")
	})

	return opts
}

// Connect starts the connection and waits for it up to the connect timeout
// or until ctx is done. On timeout the client keeps retrying in the
// background and ErrConnectionFailed is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("connecting to broker",
		zap.String("broker", c.cfg.Broker),
		zap.String("client_id", c.cfg.ClientID),
	)

	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	token := c.client.Connect()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return nil
}

// OnConnectionChange registers a callback for broker connectivity changes.
// It is called on every connect and connection loss.
func (c *Client) OnConnectionChange(fn func(connected bool, err error)) {
	c.callbackMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.callbackMu.Unlock()
}

// IsConnected returns the last known broker state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Subscribe registers handler for topic. If the broker is not connected
// yet, the subscription is made when the connection comes up.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.subMu.Lock()
	c.subscriptions[topic] = handler
	c.subMu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Subscribe(topic, qosAtLeastOnce, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout", ErrSubscribeFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Publish sends a non-retained message.
func (c *Client) Publish(topic string, payload string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qosAtLeastOnce, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.logger.Info("disconnecting from broker")
	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	return nil
}

func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.logger.Info("connected to broker")

	c.restoreSubscriptions()
	c.notify(true, nil)
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.logger.Warn("lost broker connection", zap.Error(err))

	c.notify(false, err)
}

func (c *Client) notify(connected bool, err error) {
	c.callbackMu.RLock()
	listeners := append([]func(bool, error){}, c.listeners...)
	c.callbackMu.RUnlock()

	for _, fn := range listeners {
		fn(connected, err)
	}
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, handler := range c.subscriptions {
		c.client.Subscribe(topic, qosAtLeastOnce, c.wrapHandler(handler))
	}
}

// wrapHandler adds panic recovery and error logging to a handler.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("message handler panic recovered",
					zap.String("topic", msg.Topic()),
					zap.Any("panic", r),
				)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("message handler returned error",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}
}
