package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/imbus/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	defer func() { transport.DefaultRegistry = original }()

	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.False(t, caps.Durable)
	assert.True(t, caps.LoadBalanced)

	js := transport.CapabilitiesFor(transport.StaticConfig{PubSubSystem: TransportName, NATSJetStream: true})
	assert.True(t, js.SupportsReliableDelivery())
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSCapabilities, Capabilities(false))
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities(true))
}

func stubFactories(t *testing.T, pub message.Publisher, pubErr error, sub message.Subscriber, subErr error) (*wmnats.PublisherConfig, *wmnats.SubscriberConfig) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	var pubCfg wmnats.PublisherConfig
	var subCfg wmnats.SubscriberConfig
	PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return pub, pubErr
	}
	SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		return sub, subErr
	}
	return &pubCfg, &subCfg
}

func TestBuild(t *testing.T) {
	t.Run("core nats with queue group", func(t *testing.T) {
		pub, sub := &mockPublisher{}, &mockSubscriber{}
		pubCfg, subCfg := stubFactories(t, pub, nil, sub, nil)

		tr, err := Build(context.Background(), transport.StaticConfig{
			NATSURL:        "nats://localhost:4222",
			NATSQueueGroup: "message-service",
			ClientName:     "message-service/1",
		}, watermill.NopLogger{})
		require.NoError(t, err)

		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
		assert.True(t, tr.IsConnected())
		assert.Equal(t, "nats://localhost:4222", pubCfg.URL)
		assert.True(t, pubCfg.JetStream.Disabled)
		assert.True(t, subCfg.JetStream.Disabled)
		assert.Equal(t, "message-service", subCfg.QueueGroupPrefix)
		assert.NotEmpty(t, pubCfg.NatsOptions)
		assert.NotEmpty(t, subCfg.NatsOptions)
	})

	t.Run("jetstream enabled", func(t *testing.T) {
		pubCfg, subCfg := stubFactories(t, &mockPublisher{}, nil, &mockSubscriber{}, nil)

		_, err := Build(context.Background(), transport.StaticConfig{NATSURL: "nats://localhost:4222", NATSJetStream: true}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.False(t, pubCfg.JetStream.Disabled)
		assert.True(t, pubCfg.JetStream.AutoProvision)
		assert.False(t, subCfg.JetStream.Disabled)
	})

	t.Run("publisher error", func(t *testing.T) {
		stubFactories(t, nil, errors.New("publisher error"), &mockSubscriber{}, nil)
		_, err := Build(context.Background(), transport.StaticConfig{}, watermill.NopLogger{})
		require.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber error closes publisher", func(t *testing.T) {
		pub := &mockPublisher{}
		stubFactories(t, pub, nil, nil, errors.New("subscriber error"))
		_, err := Build(context.Background(), transport.StaticConfig{}, watermill.NopLogger{})
		require.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

type mockPublisher struct{ closed bool }

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { m.closed = true; return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
