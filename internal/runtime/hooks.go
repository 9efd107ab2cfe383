package runtime

import (
	"context"
	"time"

	"github.com/drblury/imbus/internal/runtime/envelope"
	"github.com/drblury/imbus/internal/runtime/handlers"
	loggingpkg "github.com/drblury/imbus/internal/runtime/logging"
)

// DispatchContext describes one handler invocation to hooks.
type DispatchContext struct {
	// Handler is the name of the invoked handler.
	Handler string
	// Subject is the subject the envelope arrived on.
	Subject string
	// EventID identifies the envelope being handled.
	EventID  string
	Priority envelope.Priority
	// Context is the context the handler runs with.
	Context context.Context
	// StartedAt is when the invocation started.
	StartedAt time.Time
	// Duration is how long the handler took (only set in OnDone and OnError).
	Duration time.Duration
	// Responded reports whether the handler produced a response (only set in OnDone).
	Responded bool
}

// DispatchHooks defines callbacks around handler invocations.
// All hooks are optional; nil hooks are not called.
type DispatchHooks struct {
	OnStart func(ctx DispatchContext)
	OnDone  func(ctx DispatchContext)
	OnError func(ctx DispatchContext, err error)
}

// IsZero reports whether no hook is set.
func (h DispatchHooks) IsZero() bool {
	return h.OnStart == nil && h.OnDone == nil && h.OnError == nil
}

// Merge combines two hook sets. The hooks from other run after those of h.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksMiddleware invokes hooks around every handler invocation.
func HooksMiddleware(hooks DispatchHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "hooks",
		Middleware: hooksMiddleware(hooks),
	}
}

func hooksMiddleware(hooks DispatchHooks) DispatchMiddleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (*envelope.Envelope, error) {
			dc := DispatchContext{
				Handler:   h.Name(),
				Subject:   env.Subject,
				EventID:   env.EventID,
				Priority:  env.Priority,
				Context:   ctx,
				StartedAt: time.Now(),
			}
			if hooks.OnStart != nil {
				hooks.OnStart(dc)
			}

			resp, err := next(ctx, h, env)

			dc.Duration = time.Since(dc.StartedAt)
			if err != nil {
				if hooks.OnError != nil {
					hooks.OnError(dc, err)
				}
				return resp, err
			}
			dc.Responded = resp != nil
			if hooks.OnDone != nil {
				hooks.OnDone(dc)
			}
			return resp, nil
		}
	}
}

// LoggingHooks returns hooks that log each invocation.
func LoggingHooks(logger loggingpkg.ServiceLogger) DispatchHooks {
	fields := func(ctx DispatchContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"handler":  ctx.Handler,
			"subject":  ctx.Subject,
			"event_id": ctx.EventID,
		}
	}
	return DispatchHooks{
		OnStart: func(ctx DispatchContext) {
			logger.Debug("Handler started", fields(ctx))
		},
		OnDone: func(ctx DispatchContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			f["responded"] = ctx.Responded
			logger.Info("Handler completed", f)
		},
		OnError: func(ctx DispatchContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Handler failed", err, f)
		},
	}
}

// MetricsHooks returns hooks that forward invocation events to plain callbacks.
func MetricsHooks(onStart, onDone, onError func(handler, subject string)) DispatchHooks {
	return DispatchHooks{
		OnStart: func(ctx DispatchContext) {
			if onStart != nil {
				onStart(ctx.Handler, ctx.Subject)
			}
		},
		OnDone: func(ctx DispatchContext) {
			if onDone != nil {
				onDone(ctx.Handler, ctx.Subject)
			}
		},
		OnError: func(ctx DispatchContext, err error) {
			if onError != nil {
				onError(ctx.Handler, ctx.Subject)
			}
		},
	}
}

// AlertingHooks returns hooks that call alertFunc when a handler fails.
func AlertingHooks(alertFunc func(ctx DispatchContext, err error)) DispatchHooks {
	return DispatchHooks{
		OnError: alertFunc,
	}
}
