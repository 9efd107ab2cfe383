// Package imbus is the event bus of an instant-messaging backend. Services
// exchange Envelopes over a broker selected in Config (in-process channels,
// NATS, Kafka, RabbitMQ or AWS SNS/SQS); the Service subscribes to the
// configured subjects, dispatches each inbound envelope through a Registry of
// prioritised handlers and records both the request and its outcome through a
// buffered persistence pipeline.
//
// A minimal setup fills Config (or calls LoadConfig / LoadConfigFile), builds
// handlers with NewHandler, NewJSONHandler or NewProtoHandler, hands them to
// TryNewService through ServiceDependencies and calls Start:
//
//	conf, err := imbus.LoadConfig("IMBUS_")
//	if err != nil {
//		return err
//	}
//	login, err := imbus.NewJSONHandler("login", "im.user.login", handleLogin)
//	if err != nil {
//		return err
//	}
//	svc, err := imbus.TryNewService(conf, logger, ctx, imbus.ServiceDependencies{
//		Handlers: []imbus.Handler{login},
//	})
//	if err != nil {
//		return err
//	}
//	return svc.Start(ctx)
//
// # Dispatch
//
// Handlers for one subject run in ascending priority order. A handler may
// decline by returning a nil envelope; the first non-nil response wins and the
// first error stops dispatch. When nothing answers, the Service synthesizes a
// FAILURE envelope on FailureSubject carrying NO_PROCESSOR_FOUND,
// PROCESSOR_ERROR or NO_RESPONSE.
//
// # Middleware
//
// Every handler invocation passes through a middleware chain: correlation ids,
// OpenTelemetry tracing, Prometheus metrics, per-handler statistics and panic
// recovery by default. RetryMiddleware, LogMessagesMiddleware and
// HooksMiddleware can be added through ServiceDependencies.
//
// # Persistence
//
// HIGH and URGENT envelopes are written straight to the Store; NORMAL
// envelopes are buffered and flushed in batches; LOW envelopes and subjects
// under the excluded prefixes are never stored. A cron-scheduled retention job
// purges rows whose expiry lies beyond the retention window.
package imbus
