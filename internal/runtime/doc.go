/*
Package runtime provides the event service behind the imbus facade.

# Architecture Overview

Inbound payloads arrive through a transport Adapter, are decoded into
envelopes by the SubscriptionManager and handed to the Service, which
persists them, dispatches them through the Registry and persists (and
optionally publishes) whatever comes back.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - the transport adapter and subscriptions
  - the handler registry and its middleware chain
  - the persistence pipeline and retention job
  - HTTP servers for metrics and the operations API

## Dispatch (registry.go, dispatch.go)

The Registry groups handlers by subject in ascending priority order.
Dispatch skips handlers that do not support an envelope, stops at the first
error and returns the first non-nil response. When nothing answers, the
Result carries a FAILURE envelope for FailureSubject.

## Middleware (middleware.go, hooks.go)

Every handler invocation runs through a chain of DispatchMiddleware:
  - CorrelationID: stamps correlation ids on responses
  - Tracer: OpenTelemetry spans per invocation
  - Metrics: Prometheus counters per subject and handler
  - HandlerStats: latency, throughput and error breakdowns
  - Retry: exponential backoff for failing handlers
  - Hooks: OnStart, OnDone and OnError callbacks
  - Recoverer: turns panics into errors, always innermost

## Stats & Monitoring (models.go, metrics.go, resources.go)

Per-handler latency percentiles, throughput and error categories, dispatch
counters and sampled process resource usage.

## Operations API (webui.go, feed.go)

JSON endpoints for handlers, subscriptions, persistence, stored events and
transport state, plus a websocket feed of live events.

# Sub-packages

  - config/: Service configuration from environment and YAML
  - envelope/: the Envelope type and its wire codec
  - errors/: sentinel errors and failure codes
  - handlers/: the Handler interface and typed JSON/proto handlers
  - ids/: ULID event ids
  - jsoncodec/: JSON marshaling
  - logging/: ServiceLogger and adapters
  - persistence/: the buffered write pipeline and retention job
  - store/: memory, SQLite and PostgreSQL event stores
  - transport/: the subject-oriented Adapter over the public transports
*/
package runtime
