// Package nats provides the NATS transport, the primary bus for the event
// service. JetStream is optional; without it delivery is at-most-once.
package nats

import (
	"context"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/imbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilitiesFunc(TransportName, Build, func(cfg transport.Config) transport.Capabilities {
		return Capabilities(cfg.GetNATSJetStream())
	})
}

// connState follows one NATS connection through disconnects and reconnects.
type connState struct {
	up atomic.Bool
}

func (s *connState) options(name string, logger watermill.LoggerAdapter) []nc.Option {
	return []nc.Option{
		nc.Name(name),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			s.up.Store(false)
			logger.Error("NATS connection lost", err, watermill.LogFields{"client": name})
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			s.up.Store(true)
			logger.Info("NATS connection restored", watermill.LogFields{"client": name, "url": conn.ConnectedUrl()})
		}),
		nc.ClosedHandler(func(*nc.Conn) {
			s.up.Store(false)
		}),
	}
}

// Build creates a new NATS transport. Publisher and subscriber hold separate
// connections; the transport counts as connected only while both are up.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	name := cfg.GetClientName()
	marshaler := &wmnats.NATSMarshaler{}
	jetStream := wmnats.JetStreamConfig{
		Disabled:      !cfg.GetNATSJetStream(),
		AutoProvision: true,
	}

	var pubState, subState connState
	pubState.up.Store(true)
	subState.up.Store(true)

	publisher, err := PublisherFactory(
		wmnats.PublisherConfig{
			URL:         url,
			NatsOptions: pubState.options(name+"/pub", logger),
			Marshaler:   marshaler,
			JetStream:   jetStream,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		wmnats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: cfg.GetNATSQueueGroup(),
			NatsOptions:      subState.options(name+"/sub", logger),
			Unmarshaler:      marshaler,
			JetStream:        jetStream,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Connected: func() bool {
			return pubState.up.Load() && subState.up.Load()
		},
	}, nil
}

// Capabilities returns the capabilities of this transport for the given
// JetStream setting.
func Capabilities(jetStream bool) transport.Capabilities {
	if jetStream {
		return transport.NATSJetStreamCapabilities
	}
	return transport.NATSCapabilities
}
