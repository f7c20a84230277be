// Package emitter announces delivered OCR responses on an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/andresmejia3/scribe/internal/types"
	"github.com/andresmejia3/scribe/internal/utils"
)

// Options configures the emitter.
type Options struct {
	Broker         string // host:port or a full tcp:// URL
	ClientID       string
	BaseTopic      string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	PreviewLength  int
}

func (o *Options) withDefaults() {
	if o.BaseTopic == "" {
		o.BaseTopic = "scribe/deliveries"
	}
	if o.ClientID == "" {
		o.ClientID = "scribe"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}
	if o.PreviewLength <= 0 {
		o.PreviewLength = 80
	}
}

// ErrNotConnected is returned by Observe before Connect succeeds or after the
// connection is lost.
var ErrNotConnected = errors.New("mqtt not connected")

// MQTTEmitter publishes one event per delivery to <base>/<success|failure>.
type MQTTEmitter struct {
	opts   Options
	log    *zap.Logger
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter. Nothing is dialed until Connect.
func NewMQTTEmitter(opts Options, log *zap.Logger) *MQTTEmitter {
	opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &MQTTEmitter{
		opts:      opts,
		log:       log.Named("mqtt"),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection, reconnecting automatically
// afterwards.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.log.Info("mqtt connection established", zap.String("broker", broker), zap.String("client_id", e.opts.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn("mqtt connection lost, will auto-reconnect", zap.String("broker", broker), zap.Error(err))
	}

	e.client = mqtt.NewClient(opts)
	e.log.Info("connecting to mqtt broker", zap.String("broker", broker))

	if err := wait(ctx, e.client.Connect(), e.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Observe publishes the event for d.
func (e *MQTTEmitter) Observe(ctx context.Context, d types.Delivery) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	topic := e.Topic(d)
	payload, err := e.Payload(d)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}

	if err := wait(ctx, e.client.Publish(topic, e.opts.QoS, false, payload), e.opts.PublishTimeout); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.log.Debug("delivery published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

// Topic returns the topic an event for d is published on.
func (e *MQTTEmitter) Topic(d types.Delivery) string {
	outcome := "failure"
	if d.Success {
		outcome = "success"
	}
	return strings.TrimSuffix(e.opts.BaseTopic, "/") + "/" + outcome
}

// event is the published payload. The recognized text is reduced to a preview.
type event struct {
	Method       string    `json:"method"`
	SessionID    string    `json:"session_id,omitempty"`
	RequestID    int32     `json:"request_id"`
	Digest       string    `json:"digest"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Preview      string    `json:"preview,omitempty"`
	Chars        int       `json:"chars"`
	DurationMS   float64   `json:"duration_ms"`
	DeliveredAt  time.Time `json:"delivered_at"`
}

// Payload renders the JSON event for d.
func (e *MQTTEmitter) Payload(d types.Delivery) ([]byte, error) {
	return json.Marshal(event{
		Method:       d.Method,
		SessionID:    d.SessionID,
		RequestID:    d.RequestID,
		Digest:       d.Digest,
		Success:      d.Success,
		ErrorMessage: d.ErrorMessage,
		Preview:      utils.Preview(d.Text, e.opts.PreviewLength),
		Chars:        len([]rune(d.Text)),
		DurationMS:   float64(d.Duration) / float64(time.Millisecond),
		DeliveredAt:  d.DeliveredAt,
	})
}

// Close disconnects from the broker.
func (e *MQTTEmitter) Close() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250) // 250ms grace period
		e.log.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns a snapshot of the emitter counters.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
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

// wait blocks until token completes, the timeout passes or ctx ends.
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
