// Package publish forwards session events to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/tmsdash/internal/stream"
)

// Config holds MQTT forwarding configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Broker    string `yaml:"broker" json:"broker"`
	ClientID  string `yaml:"client_id" json:"clientId"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	Topic     string `yaml:"topic" json:"topic"`
	QoS       byte   `yaml:"qos" json:"qos"`
	QueueSize int    `yaml:"queue_size" json:"queueSize"`
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type message struct {
	topic   string
	payload []byte
}

// Publisher is a stream.Notifier. Notify only enqueues; Run publishes.
// When the queue is full the event is dropped so a slow broker never
// holds up a tick.
type Publisher struct {
	client  client
	prefix  string
	qos     byte
	queue   chan message
	dropped atomic.Int64
}

// Connect dials the broker and returns a publisher for it.
func Connect(cfg Config) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("[mqtt] connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[mqtt] connection lost: %v", err)
	})

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, token.Error())
	}
	return New(c, cfg), nil
}

// New wraps an already connected client.
func New(c client, cfg Config) *Publisher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	prefix := cfg.Topic
	if prefix == "" {
		prefix = "tms"
	}
	return &Publisher{
		client: c,
		prefix: prefix,
		qos:    cfg.QoS,
		queue:  make(chan message, size),
	}
}

// Topic returns the full topic for a suffix such as "samples".
func (p *Publisher) Topic(suffix string) string {
	return p.prefix + "/" + suffix
}

// Notify implements stream.Notifier.
func (p *Publisher) Notify(e stream.Event) {
	var topic string
	var payload any
	switch e.Kind {
	case stream.EventSample:
		if e.Sample == nil {
			return
		}
		topic, payload = p.Topic("samples"), e.Sample
	case stream.EventDone, stream.EventBufferFull, stream.EventWarning, stream.EventError, stream.EventState:
		topic, payload = p.Topic("events"), e
	default:
		return
	}

	b, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[mqtt] marshal %s: %v", e.Kind, err)
		return
	}
	select {
	case p.queue <- message{topic: topic, payload: b}:
	default:
		if n := p.dropped.Add(1); n&(n-1) == 0 {
			log.Printf("[mqtt] queue full, %d messages dropped", n)
		}
	}
}

// Dropped returns how many messages were discarded on a full queue.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Run publishes queued messages until ctx is done, then disconnects.
func (p *Publisher) Run(ctx context.Context) {
	defer p.client.Disconnect(250)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[mqtt] shutting down")
			return
		case m := <-p.queue:
			token := p.client.Publish(m.topic, p.qos, false, m.payload)
			if token.Wait() && token.Error() != nil {
				log.Printf("[mqtt] publish %s: %v", m.topic, token.Error())
			}
		}
	}
}
