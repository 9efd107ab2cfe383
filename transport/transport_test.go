package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportIsConnected(t *testing.T) {
	assert.False(t, Transport{}.IsConnected())
	assert.True(t, Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}.IsConnected())

	up := false
	tr := Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}, Connected: func() bool { return up }}
	assert.False(t, tr.IsConnected())
	up = true
	assert.True(t, tr.IsConnected())
}

func TestStaticConfigImplementsConfig(t *testing.T) {
	var cfg Config = StaticConfig{
		PubSubSystem:   "nats",
		ClientName:     "message-service/1",
		NATSURL:        "nats://localhost:4222",
		NATSJetStream:  true,
		NATSQueueGroup: "message-service",
	}
	assert.Equal(t, "nats", cfg.GetPubSubSystem())
	assert.Equal(t, "message-service/1", cfg.GetClientName())
	assert.True(t, cfg.GetNATSJetStream())
	assert.Equal(t, "message-service", cfg.GetNATSQueueGroup())
}
