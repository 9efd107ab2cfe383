package runtime

import (
	"context"
	"fmt"

	"github.com/drblury/imbus/internal/runtime/envelope"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	"github.com/drblury/imbus/internal/runtime/handlers"
	loggingpkg "github.com/drblury/imbus/internal/runtime/logging"
)

// FailureSubject is the subject of every synthesized failure envelope.
const FailureSubject = "common.message.result"

// Failure explains why Dispatch produced no response.
type Failure struct {
	Code    string
	Message string
	// Handler is set for PROCESSOR_ERROR.
	Handler string
	Err     error
}

func (f *Failure) Error() string {
	return f.Code + ": " + f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is the outcome of Dispatch: exactly one of Response and Failure is set.
type Result struct {
	Request  *envelope.Envelope
	Response *envelope.Envelope
	Failure  *Failure
	// Handler names the handler that answered.
	Handler string

	failureEnvelope *envelope.Envelope
}

// OK reports whether a handler answered.
func (r Result) OK() bool {
	return r.Failure == nil
}

// Envelope returns the response, or the synthesized failure envelope. It is
// nil only when Dispatch was handed a nil envelope, since there is no source
// to address a failure to.
func (r Result) Envelope() *envelope.Envelope {
	if r.Failure == nil {
		return r.Response
	}
	return r.failureEnvelope
}

// Dispatch routes env to its handlers in priority order. Handlers that do not
// support env are skipped; the first non-nil response wins; the first error
// stops dispatch.
func (r *Registry) Dispatch(ctx context.Context, env *envelope.Envelope) Result {
	if env == nil {
		return Result{Failure: &Failure{
			Code:    errspkg.CodeProcessorError,
			Message: errspkg.ErrEventPayloadRequired.Error(),
			Err:     errspkg.ErrEventPayloadRequired,
		}}
	}

	group, ok := r.groups[env.Subject]
	if !ok {
		return r.fail(env, &Failure{
			Code:    errspkg.CodeNoProcessorFound,
			Message: fmt.Sprintf("no processor found for subject %s", env.Subject),
		})
	}

	for _, h := range group {
		ok, err := supports(h, env)
		if err == nil && !ok {
			continue
		}
		var resp *envelope.Envelope
		if err == nil {
			resp, err = r.invoke(ctx, h, env)
		}
		if err != nil {
			r.log.Error("Handler failed", err, loggingpkg.LogFields{
				"handler":  h.Name(),
				"subject":  env.Subject,
				"event_id": env.EventID,
			})
			return r.fail(env, &Failure{
				Code:    errspkg.CodeProcessorError,
				Message: fmt.Sprintf("processor error: %v", err),
				Handler: h.Name(),
				Err:     err,
			})
		}
		if resp != nil {
			r.metrics.RecordDispatch(env.Subject, "")
			return Result{Request: env, Response: resp, Handler: h.Name()}
		}
	}

	return r.fail(env, &Failure{
		Code:    errspkg.CodeNoResponse,
		Message: "no processor returned a response",
	})
}

// supports runs the handler's filter, turning a panic into an error so it
// fails the dispatch like a panicking Process.
func supports(h handlers.Handler, env *envelope.Envelope) (ok bool, err error) {
	defer recoverInto(&err)
	return h.Supports(env), nil
}

func (r *Registry) fail(env *envelope.Envelope, f *Failure) Result {
	r.metrics.RecordDispatch(env.Subject, f.Code)
	r.log.Debug("Dispatch failed", loggingpkg.LogFields{
		"subject":    env.Subject,
		"event_id":   env.EventID,
		"error_code": f.Code,
	})
	return Result{
		Request:         env,
		Failure:         f,
		Handler:         f.Handler,
		failureEnvelope: r.failureEnvelope(env, f),
	}
}

// failureEnvelope answers original with a FAILURE routed back to its source.
// The original id survives only as the correlation id.
func (r *Registry) failureEnvelope(original *envelope.Envelope, f *Failure) *envelope.Envelope {
	data := map[string]any{
		"errorCode":       f.Code,
		"errorMessage":    f.Message,
		"originalEventId": original.EventID,
	}
	out := envelope.ReplyTo(original, FailureSubject, data,
		envelope.FromService(r.failureService, r.failureInstance),
		envelope.WithPriority(envelope.PriorityNormal),
	)
	// A fresh envelope is PENDING, so Fail cannot hit a terminal status.
	_ = out.Fail(f.Code, f.Message)
	return out
}
