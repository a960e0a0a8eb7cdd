package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/majorcontext/origin/internal/log"
)

// MQTTOpts configures a Subscriber.
type MQTTOpts struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Username string
	Password string

	// Buffer is the number of received messages held before the MQTT
	// client is made to wait. Default 64.
	Buffer int
}

// Subscriber receives packets from an MQTT topic.
type Subscriber struct {
	opts   MQTTOpts
	client mqtt.Client
	msgs   chan Message
	done   chan struct{}
	once   sync.Once
	now    func() time.Time
}

// NewSubscriber creates a Subscriber. It does not connect.
func NewSubscriber(o MQTTOpts) *Subscriber {
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	s := &Subscriber{
		opts: o,
		msgs: make(chan Message, o.Buffer),
		done: make(chan struct{}),
		now:  func() time.Time { return time.Now().UTC() },
	}

	copts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if o.Username != "" {
		copts.SetUsername(o.Username)
	}
	if o.Password != "" {
		copts.SetPassword(o.Password)
	}

	// Subscribing on every connect restores the subscription after a
	// reconnect.
	copts.OnConnect = func(c mqtt.Client) {
		token := c.Subscribe(o.Topic, o.QoS, s.handle)
		if token.Wait() && token.Error() != nil {
			log.Error("mqtt subscribe failed", "topic", o.Topic, "error", token.Error())
			return
		}
		log.Info("subscribed", "broker", o.Broker, "topic", o.Topic, "qos", o.QoS)
	}
	copts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "broker", o.Broker, "error", err)
	}

	s.client = mqtt.NewClient(copts)
	return s
}

// Messages returns the channel received packets are delivered on.
func (s *Subscriber) Messages() <-chan Message {
	return s.msgs
}

// Connect connects to the broker, retrying until it succeeds or ctx is
// done.
func (s *Subscriber) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", s.opts.Broker, err)
	}
	return nil
}

func (s *Subscriber) handle(_ mqtt.Client, m mqtt.Message) {
	msg := Message{
		Topic:      m.Topic(),
		Payload:    m.Payload(),
		ReceivedAt: s.now(),
	}
	select {
	case s.msgs <- msg:
	case <-s.done:
	}
}

// Close disconnects from the broker. Messages arriving afterwards are
// dropped.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		close(s.done)
		s.client.Disconnect(250)
	})
}
