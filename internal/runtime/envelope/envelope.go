// Package envelope defines the canonical event unit exchanged between services
// over the bus and recorded by the persistence pipeline.
package envelope

import (
	"fmt"
	"time"

	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	idspkg "github.com/drblury/imbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/imbus/internal/runtime/jsoncodec"
)

// Envelope carries one event. EventID, Subject and CreatedAt are fixed at
// creation; Status only moves forward until it reaches SUCCESS or FAILURE.
type Envelope struct {
	EventID   string    `json:"eventId"`
	Subject   string    `json:"subject"`
	EventType EventType `json:"eventType,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Priority  Priority  `json:"priority,omitempty"`

	SourceService  string `json:"sourceService,omitempty"`
	SourceInstance string `json:"sourceInstance,omitempty"`
	TargetService  string `json:"targetService,omitempty"`
	TargetInstance string `json:"targetInstance,omitempty"`

	UserID        string `json:"userId,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`

	Data     any               `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	RetryCount int `json:"retryCount,omitempty"`
	MaxRetries int `json:"maxRetries,omitempty"`
}

// Option customises an envelope at creation.
type Option func(*Envelope)

// New creates a PENDING, NORMAL priority envelope with a fresh id.
func New(subject string, eventType EventType, data any, opts ...Option) *Envelope {
	env := &Envelope{
		Subject:   subject,
		EventType: eventType,
		Status:    StatusPending,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(env)
		}
	}
	env.EventID = idspkg.CreateULIDAt(env.CreatedAt)
	return env
}

func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

func FromService(service, instance string) Option {
	return func(e *Envelope) {
		e.SourceService = service
		e.SourceInstance = instance
	}
}

func ToService(service, instance string) Option {
	return func(e *Envelope) {
		e.TargetService = service
		e.TargetInstance = instance
	}
}

func WithUser(userID, deviceID, sessionID string) Option {
	return func(e *Envelope) {
		e.UserID = userID
		e.DeviceID = deviceID
		e.SessionID = sessionID
	}
}

func WithCorrelation(eventID string) Option {
	return func(e *Envelope) { e.CorrelationID = eventID }
}

func WithCreatedAt(t time.Time) Option {
	return func(e *Envelope) { e.CreatedAt = t.UTC() }
}

func WithExpiry(t time.Time) Option {
	return func(e *Envelope) { e.ExpiresAt = t.UTC() }
}

func WithStatus(s Status) Option {
	return func(e *Envelope) { e.Status = s }
}

func WithMetadata(key, value string) Option {
	return func(e *Envelope) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

// ReplyTo builds a RESPONSE envelope addressed to the source of original,
// carrying its user, device and session identifiers.
func ReplyTo(original *Envelope, subject string, data any, opts ...Option) *Envelope {
	base := []Option{
		ToService(original.SourceService, original.SourceInstance),
		WithUser(original.UserID, original.DeviceID, original.SessionID),
		WithCorrelation(original.EventID),
	}
	return New(subject, TypeResponse, data, append(base, opts...)...)
}

// Succeed marks the envelope SUCCESS.
func (e *Envelope) Succeed() error {
	return e.transition(StatusSuccess)
}

// TimeOut marks the envelope TIMEOUT. A timed-out envelope may still succeed or fail later.
func (e *Envelope) TimeOut() error {
	return e.transition(StatusTimeout)
}

// Fail marks the envelope FAILURE with the given code and message.
func (e *Envelope) Fail(code, message string) error {
	if err := e.transition(StatusFailure); err != nil {
		return err
	}
	e.ErrorCode = code
	e.ErrorMessage = message
	return nil
}

func (e *Envelope) transition(next Status) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", errspkg.ErrTerminalStatus, e.Status, next)
	}
	e.Status = next
	return nil
}

// IsFailure reports whether the envelope carries a FAILURE status.
func (e *Envelope) IsFailure() bool {
	return e.Status == StatusFailure
}

// Encode serialises the envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errspkg.ErrEventPayloadRequired
	}
	return jsoncodec.Marshal(env)
}

// MetadataKeyUnknownPriority holds a priority Decode did not recognise.
const MetadataKeyUnknownPriority = "unknown_priority"

// Decode parses a wire payload. Payloads without an eventId are rejected. A
// missing priority defaults to NORMAL, and so does an unknown one, whose raw
// value is kept under MetadataKeyUnknownPriority.
func Decode(payload []byte) (*Envelope, error) {
	if len(payload) == 0 {
		return nil, errspkg.ErrEventPayloadRequired
	}
	var env Envelope
	if err := jsoncodec.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" {
		return nil, errspkg.ErrEventIDRequired
	}
	priority, err := ParsePriority(string(env.Priority))
	if err != nil {
		if env.Metadata == nil {
			env.Metadata = make(map[string]string)
		}
		env.Metadata[MetadataKeyUnknownPriority] = string(env.Priority)
		priority = PriorityNormal
	}
	env.Priority = priority
	return &env, nil
}
