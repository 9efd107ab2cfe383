package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/imbus/internal/runtime/config"
	"github.com/drblury/imbus/internal/runtime/envelope"
	"github.com/drblury/imbus/internal/runtime/handlers"
	loggingpkg "github.com/drblury/imbus/internal/runtime/logging"
	"github.com/drblury/imbus/internal/runtime/store"
	transportpkg "github.com/drblury/imbus/internal/runtime/transport"
	"github.com/drblury/imbus/transport"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewDiscardLogger()
}

func newRequest(subject string) *envelope.Envelope {
	return envelope.New(subject, envelope.TypeRequest, map[string]any{"content": "hi"},
		envelope.FromService("gateway", "gw-1"),
		envelope.WithUser("u-1", "d-1", "s-1"),
	)
}

// countingHandler counts Process calls and answers according to fn.
type countingHandler struct {
	handlers.Handler
	calls atomic.Int32
}

func (c *countingHandler) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	c.calls.Add(1)
	return c.Handler.Process(ctx, env)
}

func newCounting(name, subject string, priority int, fn handlers.ProcessFunc) *countingHandler {
	return &countingHandler{Handler: handlers.New(name, subject, fn, handlers.WithPriority(priority))}
}

func respondWith(subject string) handlers.ProcessFunc {
	return func(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		return envelope.ReplyTo(env, subject, map[string]any{"ok": true}), nil
	}
}

func decline(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
	return nil, nil
}

func failWith(err error) handlers.ProcessFunc {
	return func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
		return nil, err
	}
}

func panicWith(v any) handlers.ProcessFunc {
	return func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
		panic(v)
	}
}

func directInvoke(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (*envelope.Envelope, error) {
	return h.Process(ctx, env)
}

// sharedBus is a gochannel pair the test can also publish to and subscribe on.
type sharedBus struct {
	pubSub *gochannel.GoChannel
}

func newSharedBus(t *testing.T) *sharedBus {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return &sharedBus{pubSub: ps}
}

func (b *sharedBus) factory() transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: b.pubSub, Subscriber: b.pubSub}, nil
	})
}

// listen returns decoded envelopes published on subject.
func (b *sharedBus) listen(t *testing.T, subject string) <-chan *envelope.Envelope {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	messages, err := b.pubSub.Subscribe(ctx, subject)
	require.NoError(t, err)

	out := make(chan *envelope.Envelope, 16)
	go func() {
		for msg := range messages {
			env, err := envelope.Decode(msg.Payload)
			msg.Ack()
			if err == nil {
				out <- env
			}
		}
	}()
	return out
}

type serviceOption func(*configpkg.Config, *ServiceDependencies)

func newTestService(t *testing.T, opts ...serviceOption) (*Service, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	conf := &configpkg.Config{}
	deps := ServiceDependencies{
		Store:      st,
		Registerer: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(conf, &deps)
	}
	svc, err := TryNewService(conf, newTestLogger(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, st
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}
