package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/drblury/imbus/internal/runtime/envelope"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	jsoncodec "github.com/drblury/imbus/internal/runtime/jsoncodec"
)

// JSONFunc handles a payload decoded into T.
type JSONFunc[T any] func(ctx context.Context, evt Event[T]) (*envelope.Envelope, error)

// NewJSON builds a handler whose envelope data is decoded into T, which must
// be a pointer type. Data that already holds a T is passed through.
func NewJSON[T any](name, subject string, fn JSONFunc[T], opts ...Option) (Handler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	factory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	process := func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		payload, ok := env.Data.(T)
		if !ok {
			payload = factory()
			if env.Data != nil {
				if err := jsoncodec.Transcode(env.Data, payload); err != nil {
					return nil, &errspkg.UnprocessableEventError{
						Subject: env.Subject,
						Err:     fmt.Errorf("decode %T payload: %w", payload, err),
					}
				}
			}
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

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func stampSchema(resp *envelope.Envelope) {
	if resp == nil || resp.Data == nil {
		return
	}
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]string)
	}
	if _, ok := resp.Metadata[MetadataKeyEventSchema]; !ok {
		resp.Metadata[MetadataKeyEventSchema] = fmt.Sprintf("%T", resp.Data)
	}
}
