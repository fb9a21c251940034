package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTBroker wraps a Paho MQTT client. Subscriptions are remembered and
// restored after every reconnect. Handlers run on their own goroutines, so a
// handler may block on a request whose reply arrives on the same client.
type MQTTBroker struct {
	client mqtt.Client
	qos    byte
	log    *zap.Logger

	mu   sync.Mutex
	subs map[string]MessageHandler
}

// MQTTOptions configures the MQTT broker connection.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Logger   *zap.Logger
}

// NewMQTTBroker creates and connects an MQTT client.
func NewMQTTBroker(opts MQTTOptions) (*MQTTBroker, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	b := &MQTTBroker{
		qos:  opts.QoS,
		log:  log,
		subs: make(map[string]MessageHandler),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(b.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", zap.Error(err))
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}

	b.client = mqtt.NewClient(clientOpts)
	token := b.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}
	return b, nil
}

func (b *MQTTBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	token := b.client.Publish(topic, b.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MQTTBroker) Subscribe(topic string, handler MessageHandler) error {
	b.mu.Lock()
	b.subs[topic] = handler
	b.mu.Unlock()

	token := b.client.Subscribe(topic, b.qos, wrap(handler))
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

func (b *MQTTBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	delete(b.subs, topic)
	b.mu.Unlock()

	token := b.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

func (b *MQTTBroker) Close() error {
	b.client.Disconnect(1000)
	return nil
}

func (b *MQTTBroker) resubscribe(c mqtt.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, handler := range b.subs {
		token := c.Subscribe(topic, b.qos, wrap(handler))
		token.Wait()
		if err := token.Error(); err != nil {
			b.log.Error("resubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func wrap(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}
