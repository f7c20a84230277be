package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/scribe/internal/types"
)

type doneToken struct {
	done chan struct{}
	err  error
}

func newToken(err error, complete bool) *doneToken {
	t := &doneToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

// fakeClient records publishes; everything it does not override panics.
type fakeClient struct {
	mqtt.Client
	topics   []string
	payloads [][]byte
	token    *doneToken
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return c.token
}

func (c *fakeClient) IsConnected() bool        { return true }
func (c *fakeClient) Disconnect(quiesce uint) {}

func connected(opts Options, client *fakeClient) *MQTTEmitter {
	e := NewMQTTEmitter(opts, nil)
	e.client = client
	e.setConnected(true)
	return e
}

func TestTopic(t *testing.T) {
	tests := []struct {
		base    string
		success bool
		want    string
	}{
		{"", true, "scribe/deliveries/success"},
		{"", false, "scribe/deliveries/failure"},
		{"lab/ocr/", true, "lab/ocr/success"},
	}
	for _, tt := range tests {
		e := NewMQTTEmitter(Options{BaseTopic: tt.base}, nil)
		if got := e.Topic(types.Delivery{Success: tt.success}); got != tt.want {
			t.Errorf("Topic(base=%q, success=%v) = %q, want %q", tt.base, tt.success, got, tt.want)
		}
	}
}

func TestPayload_TruncatesText(t *testing.T) {
	e := NewMQTTEmitter(Options{PreviewLength: 5}, nil)
	raw, err := e.Payload(types.Delivery{
		Method:      "ProcessImage",
		RequestID:   12,
		Digest:      "abc",
		Text:        "hello world",
		Success:     true,
		Duration:    1500 * time.Microsecond,
		DeliveredAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "hello...", got["preview"])
	assert.EqualValues(t, 11, got["chars"])
	assert.EqualValues(t, 12, got["request_id"])
	assert.InDelta(t, 1.5, got["duration_ms"], 1e-9)
	assert.NotContains(t, string(raw), "hello world", "full text never leaves the server")
}

func TestObserve_Publishes(t *testing.T) {
	client := &fakeClient{token: newToken(nil, true)}
	e := connected(Options{BaseTopic: "ocr"}, client)

	require.NoError(t, e.Observe(context.Background(), types.Delivery{RequestID: 1, Success: true}))
	require.NoError(t, e.Observe(context.Background(), types.Delivery{RequestID: 2, ErrorMessage: "bad image"}))

	assert.Equal(t, []string{"ocr/success", "ocr/failure"}, client.topics)
	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Published["ocr/success"])
	assert.Equal(t, uint64(1), stats.Published["ocr/failure"])
	assert.Zero(t, stats.Errors)
	assert.True(t, strings.Contains(string(client.payloads[1]), "bad image"))
}

func TestObserve_Errors(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		e := NewMQTTEmitter(Options{}, nil)
		assert.ErrorIs(t, e.Observe(context.Background(), types.Delivery{}), ErrNotConnected)
		assert.Equal(t, uint64(1), e.Stats().Errors)
	})

	t.Run("broker refuses", func(t *testing.T) {
		refused := errors.New("not authorized")
		e := connected(Options{}, &fakeClient{token: newToken(refused, true)})
		assert.ErrorIs(t, e.Observe(context.Background(), types.Delivery{}), refused)
		assert.Equal(t, uint64(1), e.Stats().Errors)
	})

	t.Run("publish timeout", func(t *testing.T) {
		e := connected(Options{PublishTimeout: 10 * time.Millisecond}, &fakeClient{token: newToken(nil, false)})
		err := e.Observe(context.Background(), types.Delivery{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("context cancelled", func(t *testing.T) {
		e := connected(Options{PublishTimeout: time.Minute}, &fakeClient{token: newToken(nil, false)})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, e.Observe(ctx, types.Delivery{}), context.Canceled)
	})
}

func TestClose(t *testing.T) {
	e := connected(Options{}, &fakeClient{token: newToken(nil, true)})
	require.NoError(t, e.Close())
	assert.False(t, e.Stats().Connected)
}
