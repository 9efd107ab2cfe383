package handlers

import (
	"github.com/drblury/imbus/internal/runtime/envelope"
)

// Event is what typed handlers receive: the decoded payload alongside the
// envelope it arrived in.
type Event[T any] struct {
	Envelope *envelope.Envelope
	Payload  T
}

// Get retrieves a metadata value by key.
func (e Event[T]) Get(key string) string {
	return e.Envelope.Metadata[key]
}

// CorrelationID returns the id of the event this one answers, if any.
func (e Event[T]) CorrelationID() string {
	if e.Envelope.CorrelationID != "" {
		return e.Envelope.CorrelationID
	}
	return e.Get(MetadataKeyCorrelationID)
}

// Reply builds a SUCCESS response routed back to the sender.
func (e Event[T]) Reply(subject string, data any, opts ...envelope.Option) *envelope.Envelope {
	opts = append([]envelope.Option{envelope.WithStatus(envelope.StatusSuccess)}, opts...)
	return envelope.ReplyTo(e.Envelope, subject, data, opts...)
}
