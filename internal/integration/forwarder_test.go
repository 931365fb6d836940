package integration_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aircon-ledger/aircon-remote/internal/activity"
	"github.com/aircon-ledger/aircon-remote/internal/config"
	"github.com/aircon-ledger/aircon-remote/internal/integration"
	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
)

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	closed   bool
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic, qos, retained, payload})
	return nil
}

func (p *fakePublisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.messages...)
}

func TestForwarderTopics(t *testing.T) {
	f := integration.NewForwarder(&fakePublisher{}, config.MQTTConfig{TopicPrefix: "home/aircon/"}, "0xAbCd")

	assert.Equal(t, "home/aircon/0xabcd/state", f.StateTopic())
	assert.Equal(t, "home/aircon/0xabcd/log", f.LogTopic())
}

func TestForwarderPublishesStateAndLog(t *testing.T) {
	pub := &fakePublisher{}
	f := integration.NewForwarder(pub, config.MQTTConfig{TopicPrefix: "aircon", QoS: 1, Retain: true}, "0xAAAA")

	proj := projection.New(models.DefaultDeviceState())
	entries := activity.NewLog(5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Start(ctx, proj, entries) }()

	// wait for the subscriptions to be in place
	require.Eventually(t, func() bool {
		proj.Apply(projection.Write{Source: projection.SourceConfirmed, Mutate: func(s *models.DeviceState) { s.Power = true }})
		return len(pub.snapshot()) > 0
	}, time.Second, 10*time.Millisecond)

	entries.Info("hello")
	require.Eventually(t, func() bool {
		for _, m := range pub.snapshot() {
			if m.topic == f.LogTopic() {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	var state, entry *published
	for _, m := range pub.snapshot() {
		m := m
		switch m.topic {
		case f.StateTopic():
			state = &m
		case f.LogTopic():
			entry = &m
		}
	}

	require.NotNil(t, state)
	assert.True(t, state.retained)
	assert.Equal(t, byte(1), state.qos)
	var view projection.View
	require.NoError(t, json.Unmarshal(state.payload, &view))
	assert.True(t, view.State.Power)

	require.NotNil(t, entry)
	assert.False(t, entry.retained)
	var logged models.LogEntry
	require.NoError(t, json.Unmarshal(entry.payload, &logged))
	assert.Equal(t, "hello", logged.Message)

	pub.mu.Lock()
	assert.True(t, pub.closed)
	pub.mu.Unlock()
}
