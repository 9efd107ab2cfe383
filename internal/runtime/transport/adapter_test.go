package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	"github.com/drblury/imbus/transport"
)

func newChannelAdapter(t *testing.T) Adapter {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	adapter, err := NewAdapter(transport.Transport{Publisher: pubSub, Subscriber: pubSub}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

type collector struct {
	mu       sync.Mutex
	payloads []string
	got      chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(_ context.Context, payload []byte) {
	c.mu.Lock()
	c.payloads = append(c.payloads, string(payload))
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

func TestAdapterPublishSubscribe(t *testing.T) {
	adapter := newChannelAdapter(t)
	c := newCollector()

	sub, err := adapter.Subscribe(context.Background(), "im.message.send", c.handle)
	require.NoError(t, err)
	assert.Equal(t, "im.message.send", sub.Subject())

	require.NoError(t, adapter.Publish(context.Background(), "im.message.send", []byte("one")))
	require.NoError(t, adapter.Publish(context.Background(), "im.message.send", []byte("two")))
	require.NoError(t, adapter.Publish(context.Background(), "im.user.login", []byte("other")))

	assert.Equal(t, []string{"one", "two"}, c.wait(t, 2))
	assert.True(t, adapter.IsConnected())
}

func TestAdapterUnsubscribeStopsDeliveries(t *testing.T) {
	adapter := newChannelAdapter(t)
	c := newCollector()

	sub, err := adapter.Subscribe(context.Background(), "im.friend.add", c.handle)
	require.NoError(t, err)
	require.NoError(t, adapter.Publish(context.Background(), "im.friend.add", []byte("before")))
	c.wait(t, 1)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, adapter.Publish(context.Background(), "im.friend.add", []byte("after")))

	select {
	case <-c.got:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdapterClose(t *testing.T) {
	adapter := newChannelAdapter(t)
	_, err := adapter.Subscribe(context.Background(), "im.message.send", newCollector().handle)
	require.NoError(t, err)

	require.NoError(t, adapter.Close())
	require.NoError(t, adapter.Close())
	assert.False(t, adapter.IsConnected())

	require.ErrorIs(t, adapter.Publish(context.Background(), "im.message.send", nil), errspkg.ErrTransportClosed)
	_, err = adapter.Subscribe(context.Background(), "im.message.send", newCollector().handle)
	require.ErrorIs(t, err, errspkg.ErrTransportClosed)
}

func TestAdapterValidation(t *testing.T) {
	_, err := NewAdapter(transport.Transport{}, testLogger())
	require.ErrorIs(t, err, errspkg.ErrTransportRequired)

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	_, err = NewAdapter(transport.Transport{Publisher: pubSub, Subscriber: pubSub}, nil)
	require.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	adapter := newChannelAdapter(t)
	_, err = adapter.Subscribe(context.Background(), "", newCollector().handle)
	require.ErrorIs(t, err, errspkg.ErrSubjectRequired)
	_, err = adapter.Subscribe(context.Background(), "im.x", nil)
	require.ErrorIs(t, err, errspkg.ErrHandlerRequired)
	require.ErrorIs(t, adapter.Publish(context.Background(), "", nil), errspkg.ErrSubjectRequired)
}

func TestAdapterSubscribeError(t *testing.T) {
	adapter, err := NewAdapter(transport.Transport{
		Publisher:  &failingPubSub{},
		Subscriber: &failingPubSub{},
	}, testLogger())
	require.NoError(t, err)

	_, err = adapter.Subscribe(context.Background(), "im.x", newCollector().handle)
	require.ErrorContains(t, err, "subscribe refused")
	require.ErrorContains(t, adapter.Publish(context.Background(), "im.x", []byte("p")), "publish refused")
}

func TestAdapterReportsTransportConnectivity(t *testing.T) {
	up := true
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	adapter, err := NewAdapter(transport.Transport{
		Publisher:  pubSub,
		Subscriber: pubSub,
		Connected:  func() bool { return up },
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	assert.True(t, adapter.IsConnected())
	up = false
	assert.False(t, adapter.IsConnected())
}

type failingPubSub struct{}

func (f *failingPubSub) Publish(topic string, messages ...*message.Message) error {
	return errors.New("publish refused")
}

func (f *failingPubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return nil, errors.New("subscribe refused")
}

func (f *failingPubSub) Close() error { return nil }
