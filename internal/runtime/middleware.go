package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/imbus/internal/runtime/envelope"
	"github.com/drblury/imbus/internal/runtime/handlers"
	loggingpkg "github.com/drblury/imbus/internal/runtime/logging"
)

const recovererName = "recoverer"

// InvokeFunc calls one handler for one envelope.
type InvokeFunc func(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (*envelope.Envelope, error)

// DispatchMiddleware wraps handler invocations.
type DispatchMiddleware func(next InvokeFunc) InvokeFunc

// MiddlewareBuilder constructs a middleware from the registry being built.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Registry) (DispatchMiddleware, error)

// MiddlewareRegistration names a middleware and how to obtain it. The first
// registration in a chain is the outermost.
type MiddlewareRegistration struct {
	Name       string
	Middleware DispatchMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the chain every registry uses unless disabled.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		TracerMiddleware(),
		MetricsMiddleware(),
		HandlerStatsMiddleware(),
		LogMessagesMiddleware(nil),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware links responses to the envelope they answer and
// records which handler produced them.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// TracerMiddleware wraps each handler invocation in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(r *Registry) (DispatchMiddleware, error) {
			return tracerMiddleware(r.tracer), nil
		},
	}
}

// MetricsMiddleware records invocation counts and durations in Prometheus.
// It is skipped when the registry has no DispatchMetrics.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(r *Registry) (DispatchMiddleware, error) {
			if r.metrics == nil {
				return nil, nil
			}
			return metricsMiddleware(r.metrics), nil
		},
	}
}

// HandlerStatsMiddleware feeds the per-handler stats served by the ops API.
func HandlerStatsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "handler_stats",
		Builder: func(r *Registry) (DispatchMiddleware, error) {
			return r.statsMiddleware(), nil
		},
	}
}

// LogMessagesMiddleware logs every envelope handed to a handler at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(r *Registry) (DispatchMiddleware, error) {
			l := logger
			if l == nil {
				l = r.log
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// RetryMiddleware retries a failing handler with exponential backoff before
// the failure reaches the registry. Zero values in cfg take defaults.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(r *Registry) (DispatchMiddleware, error) {
			return retryMiddleware(normalized, r.log), nil
		},
	}
}

// RecovererMiddleware converts handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       recovererName,
		Middleware: recovererMiddleware,
	}
}

func (reg MiddlewareRegistration) resolve(r *Registry) (DispatchMiddleware, error) {
	switch {
	case reg.Middleware != nil:
		return reg.Middleware, nil
	case reg.Builder != nil:
		return reg.Builder(r)
	default:
		return nil, errors.New("middleware registration requires Middleware or Builder")
	}
}

func correlationIDMiddleware(next InvokeFunc) InvokeFunc {
	return func(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (*envelope.Envelope, error) {
		resp, err := next(ctx, h, env)
		if resp == nil {
			return resp, err
		}
		if resp.CorrelationID == "" {
			resp.CorrelationID = env.EventID
		}
		if resp.Metadata == nil {
			resp.Metadata = make(map[string]string)
		}
		if _, ok := resp.Metadata[handlers.MetadataKeyHandledBy]; !ok {
			resp.Metadata[handlers.MetadataKeyHandledBy] = h.Name()
		}
		if cid := env.Metadata[handlers.MetadataKeyCorrelationID]; cid != "" {
			if _, ok := resp.Metadata[handlers.MetadataKeyCorrelationID]; !ok {
				resp.Metadata[handlers.MetadataKeyCorrelationID] = cid
			}
		}
		return resp, err
	}
}

func tracerMiddleware(tracer trace.Tracer) DispatchMiddleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (*envelope.Envelope, error) {
			ctx, span := tracer.Start(ctx, "Dispatch "+h.Name(),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("imbus.subject", env.Subject),
					attribute.String("imbus.event_id", env.EventID),
					attribute.String("imbus.handler", h.Name()),
					attribute.Int("imbus.handler_priority", h.Priority()),
				),
			)
			defer span.End()

			resp, err := next(ctx, h, env)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return resp, err
			}

			sc := span.SpanContext()
			if resp != nil && sc.IsValid() {
				if resp.Metadata == nil {
					resp.Metadata = make(map[string]string)
				}
				resp.Metadata[handlers.MetadataKeyTraceID] = sc.TraceID().String()
				resp.Metadata[handlers.MetadataKeySpanID] = sc.SpanID().String()
			}
			return resp, nil
		}
	}
}

func metricsMiddleware(m *DispatchMetrics) DispatchMiddleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (*envelope.Envelope, error) {
			start := time.Now()
			resp, err := next(ctx, h, env)
			m.RecordInvocation(env.Subject, h.Name(), invocationOutcome(resp, err), time.Since(start))
			return resp, err
		}
	}
}

func invocationOutcome(resp *envelope.Envelope, err error) string {
	switch {
	case err != nil:
		return outcomeError
	case resp != nil:
		return outcomeResponse
	default:
		return outcomeDeclined
	}
}

func (r *Registry) statsMiddleware() DispatchMiddleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (*envelope.Envelope, error) {
			stats := r.statsFor(h)
			if stats == nil {
				return next(ctx, h, env)
			}
			stats.onStart()
			start := time.Now()
			resp, err := next(ctx, h, env)
			stats.onFinish(time.Since(start), resp != nil, err, r.classifier)
			return resp, err
		}
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) DispatchMiddleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (*envelope.Envelope, error) {
			logger.Debug("Dispatching envelope", loggingpkg.LogFields{
				"handler":  h.Name(),
				"event_id": env.EventID,
				"subject":  env.Subject,
				"priority": string(env.Priority),
				"user_id":  env.UserID,
				"metadata": env.Metadata,
			})
			return next(ctx, h, env)
		}
	}
}

// retryMiddleware drives watermill's Retry, wrapping the invocation in a
// message so the backoff honours the dispatch context.
func retryMiddleware(cfg RetryMiddlewareConfig, log loggingpkg.ServiceLogger) DispatchMiddleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (*envelope.Envelope, error) {
			retry := middleware.Retry{
				MaxRetries:      cfg.MaxRetries,
				InitialInterval: cfg.InitialInterval,
				MaxInterval:     cfg.MaxInterval,
				Multiplier:      2,
				OnRetryHook: func(retryNum int, _ time.Duration) {
					env.RetryCount = retryNum
				},
				ShouldRetry: func(params middleware.RetryParams) bool {
					if cfg.RetryIf != nil {
						return cfg.RetryIf(params.Err)
					}
					return true
				},
			}
			if log != nil {
				retry.Logger = loggingpkg.NewWatermillAdapter(log)
			}

			var resp *envelope.Envelope
			attempt := func(msg *message.Message) ([]*message.Message, error) {
				var err error
				resp, err = next(msg.Context(), h, env)
				return nil, err
			}

			msg := message.NewMessage(env.EventID, nil)
			msg.SetContext(ctx)
			if _, err := retry.Middleware(attempt)(msg); err != nil {
				return nil, err
			}
			return resp, nil
		}
	}
}

func recovererMiddleware(next InvokeFunc) InvokeFunc {
	return func(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (resp *envelope.Envelope, err error) {
		defer recoverInto(&err)
		return next(ctx, h, env)
	}
}

// recoverInto turns a panic into a RecoveredPanicError stored in *err.
func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = middleware.RecoveredPanicError{V: r, Stacktrace: string(debug.Stack())}
	}
}

func middlewareName(reg MiddlewareRegistration, idx int) string {
	if reg.Name != "" {
		return reg.Name
	}
	return fmt.Sprintf("anonymous_middleware_%d", idx)
}
