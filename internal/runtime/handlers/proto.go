package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/imbus/internal/runtime/envelope"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	jsoncodec "github.com/drblury/imbus/internal/runtime/jsoncodec"
)

// ProtoFunc handles a payload decoded into the protobuf message T.
type ProtoFunc[T proto.Message] func(ctx context.Context, evt Event[T]) (*envelope.Envelope, error)

// NewProto builds a handler whose envelope data is decoded with protojson into
// a fresh clone of prototype.
func NewProto[T proto.Message](name, subject string, prototype T, fn ProtoFunc[T], opts ...Option) (Handler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if isNilProto(prototype) {
		return nil, errspkg.ErrMessageTypeRequired
	}

	process := func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		payload, err := decodeProto(prototype, env.Data)
		if err != nil {
			return nil, &errspkg.UnprocessableEventError{Subject: env.Subject, Err: err}
		}
		resp, err := fn(ctx, Event[T]{Envelope: env, Payload: payload})
		if err != nil {
			return nil, err
		}
		stampSchema(resp)
		return resp, nil
	}
	return New(name, subject, process, opts...), nil
}

// ProtoData converts msg into the generic JSON shape envelopes carry on the
// wire, using protojson field names.
func ProtoData(msg proto.Message) (any, error) {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var data any
	if err := jsoncodec.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func decodeProto[T proto.Message](prototype T, data any) (T, error) {
	if typed, ok := data.(T); ok && !isNilProto(typed) {
		return typed, nil
	}
	msg := prototype.ProtoReflect().New().Interface()
	typed, ok := msg.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", prototype)
	}
	if data == nil {
		return typed, nil
	}
	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return typed, fmt.Errorf("failed to encode %T payload: %w", prototype, err)
	}
	if err := protojson.Unmarshal(raw, typed); err != nil {
		return typed, fmt.Errorf("failed to unmarshal %T payload: %w", prototype, err)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}
	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
