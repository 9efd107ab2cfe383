package transport

// Capabilities describes what a broker guarantees to the event service. The
// ops API reports them so operators can tell, for example, whether an event
// published while no subscriber was connected is lost.
type Capabilities struct {
	Name string `json:"name"`

	// Durable brokers retain messages published while nobody is subscribed.
	Durable bool `json:"durable"`
	// Ordered brokers deliver a subject's messages in publish order.
	Ordered bool `json:"ordered"`
	// SupportsAck means deliveries are redelivered until acknowledged.
	SupportsAck bool `json:"supportsAck"`
	// LoadBalanced brokers share one subject's deliveries across instances
	// of the same service (consumer group, queue group, shared queue).
	LoadBalanced bool `json:"loadBalanced"`
	// PropagatesHeaders means envelope metadata can ride on broker headers.
	PropagatesHeaders bool `json:"propagatesHeaders"`

	// MaxMessageSize in bytes; 0 means unknown or unlimited.
	MaxMessageSize int64 `json:"maxMessageSize,omitempty"`
}

// SupportsReliableDelivery reports at-least-once delivery.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.Durable && c.SupportsAck
}

// Capability sets of the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:        "channel",
		Ordered:     true,
		SupportsAck: true,
	}

	KafkaCapabilities = Capabilities{
		Name:              "kafka",
		Durable:           true,
		Ordered:           true,
		SupportsAck:       true,
		LoadBalanced:      true,
		PropagatesHeaders: true,
		MaxMessageSize:    1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		Durable:           true,
		Ordered:           true,
		SupportsAck:       true,
		LoadBalanced:      true,
		PropagatesHeaders: true,
	}

	NATSCapabilities = Capabilities{
		Name:              "nats",
		LoadBalanced:      true,
		PropagatesHeaders: true,
		MaxMessageSize:    1 << 20,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		Durable:           true,
		Ordered:           true,
		SupportsAck:       true,
		LoadBalanced:      true,
		PropagatesHeaders: true,
		MaxMessageSize:    1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		Durable:           true,
		SupportsAck:       true,
		LoadBalanced:      true,
		PropagatesHeaders: true,
		MaxMessageSize:    256 << 10,
	}
)

// GetCapabilities returns the capabilities registered for a transport name,
// or a zero value carrying only the name when it is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
