// Package transports imports the built-in transports for their registration
// side effect.
package transports

import (
	_ "github.com/drblury/imbus/transport/aws"
	_ "github.com/drblury/imbus/transport/channel"
	_ "github.com/drblury/imbus/transport/kafka"
	_ "github.com/drblury/imbus/transport/nats"
	_ "github.com/drblury/imbus/transport/rabbitmq"
)
