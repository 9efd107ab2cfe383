package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/imbus/internal/runtime/envelope"
	"github.com/drblury/imbus/internal/runtime/handlers"
)

func TestHooksMiddleware_OnStartAndDone(t *testing.T) {
	var started, done DispatchContext
	hooks := DispatchHooks{
		OnStart: func(dc DispatchContext) { started = dc },
		OnDone:  func(dc DispatchContext) { done = dc },
	}

	h := handlers.New("sender", "im.message.send", func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
		time.Sleep(5 * time.Millisecond)
		return envelope.New("im.message.send.result", envelope.TypeResponse, nil), nil
	})
	env := newRequest("im.message.send")

	resp, err := hooksMiddleware(hooks)(directInvoke)(context.Background(), h, env)
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, "sender", started.Handler)
	assert.Equal(t, env.EventID, started.EventID)
	assert.Equal(t, envelope.PriorityNormal, started.Priority)
	assert.False(t, started.StartedAt.IsZero())
	assert.True(t, done.Responded)
	assert.GreaterOrEqual(t, done.Duration, 5*time.Millisecond)
}

func TestHooksMiddleware_OnError(t *testing.T) {
	boom := errors.New("boom")
	var gotErr error
	doneCalled := false
	hooks := DispatchHooks{
		OnDone:  func(DispatchContext) { doneCalled = true },
		OnError: func(_ DispatchContext, err error) { gotErr = err },
	}

	h := handlers.New("sender", "im.message.send", failWith(boom))
	_, err := hooksMiddleware(hooks)(directInvoke)(context.Background(), h, newRequest("im.message.send"))

	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, gotErr, boom)
	assert.False(t, doneCalled)
}

func TestHooksMiddleware_DeclineIsNotAnError(t *testing.T) {
	var done DispatchContext
	hooks := DispatchHooks{OnDone: func(dc DispatchContext) { done = dc }}

	h := handlers.New("sender", "im.message.send", decline)
	resp, err := hooksMiddleware(hooks)(directInvoke)(context.Background(), h, newRequest("im.message.send"))

	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, "sender", done.Handler)
	assert.False(t, done.Responded)
}

func TestDispatchHooks_Merge(t *testing.T) {
	var order []string
	a := DispatchHooks{
		OnStart: func(DispatchContext) { order = append(order, "a-start") },
		OnError: func(DispatchContext, error) { order = append(order, "a-error") },
	}
	b := DispatchHooks{
		OnStart: func(DispatchContext) { order = append(order, "b-start") },
		OnDone:  func(DispatchContext) { order = append(order, "b-done") },
	}

	merged := a.Merge(b)
	merged.OnStart(DispatchContext{})
	merged.OnDone(DispatchContext{})
	merged.OnError(DispatchContext{}, errors.New("x"))

	assert.Equal(t, []string{"a-start", "b-start", "b-done", "a-error"}, order)
	assert.True(t, DispatchHooks{}.IsZero())
	assert.False(t, merged.IsZero())
	assert.True(t, DispatchHooks{}.Merge(DispatchHooks{}).IsZero())
}

func TestMetricsHooks(t *testing.T) {
	var started, done, failed []string
	hooks := MetricsHooks(
		func(handler, subject string) { started = append(started, handler+"@"+subject) },
		func(handler, subject string) { done = append(done, handler+"@"+subject) },
		func(handler, subject string) { failed = append(failed, handler+"@"+subject) },
	)

	dc := DispatchContext{Handler: "h", Subject: "im.x"}
	hooks.OnStart(dc)
	hooks.OnDone(dc)
	hooks.OnError(dc, errors.New("x"))

	assert.Equal(t, []string{"h@im.x"}, started)
	assert.Equal(t, []string{"h@im.x"}, done)
	assert.Equal(t, []string{"h@im.x"}, failed)

	// nil callbacks are tolerated
	quiet := MetricsHooks(nil, nil, nil)
	quiet.OnStart(dc)
	quiet.OnDone(dc)
	quiet.OnError(dc, nil)
}

func TestAlertingHooks(t *testing.T) {
	var alerted string
	hooks := AlertingHooks(func(dc DispatchContext, err error) {
		alerted = dc.Handler + ": " + err.Error()
	})
	assert.Nil(t, hooks.OnStart)
	assert.Nil(t, hooks.OnDone)

	hooks.OnError(DispatchContext{Handler: "login"}, errors.New("token expired"))
	assert.Equal(t, "login: token expired", alerted)
}

func TestLoggingHooks(t *testing.T) {
	hooks := LoggingHooks(newTestLogger())
	require.NotNil(t, hooks.OnStart)
	require.NotNil(t, hooks.OnDone)
	require.NotNil(t, hooks.OnError)

	dc := DispatchContext{Handler: "h", Subject: "im.x", EventID: "01"}
	hooks.OnStart(dc)
	hooks.OnDone(dc)
	hooks.OnError(dc, errors.New("x"))
}

func TestRegistryRunsHooks(t *testing.T) {
	var failedHandler string
	reg, err := NewRegistry(
		WithHandlers(handlers.New("broken", "im.user.login", panicWith("nil map"))),
		WithHooks(AlertingHooks(func(dc DispatchContext, err error) { failedHandler = dc.Handler })),
	)
	require.NoError(t, err)

	res := reg.Dispatch(context.Background(), newRequest("im.user.login"))
	require.False(t, res.OK())
	assert.Equal(t, "broken", failedHandler, "panics are recovered before reaching hooks")
}
