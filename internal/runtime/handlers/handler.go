// Package handlers defines the business handler contract used by the registry
// and helpers for building handlers from plain and typed functions.
package handlers

import (
	"context"

	"github.com/drblury/imbus/internal/runtime/envelope"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
)

// DefaultPriority applies when a handler does not choose one. Lower values
// run first.
const DefaultPriority = 100

// Handler processes envelopes for one subject. Process may return a nil
// envelope to decline; the registry then tries the next handler.
type Handler interface {
	Name() string
	Subject() string
	Priority() int
	Supports(env *envelope.Envelope) bool
	Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

// ProcessFunc is the function form of Handler.Process.
type ProcessFunc func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// Option customises a handler built by New, NewJSON or NewProto.
type Option func(*funcHandler)

// WithPriority sets the ordering priority.
func WithPriority(priority int) Option {
	return func(h *funcHandler) { h.priority = priority }
}

// WithFilter narrows Supports beyond the subject match.
func WithFilter(filter func(*envelope.Envelope) bool) Option {
	return func(h *funcHandler) { h.filter = filter }
}

type funcHandler struct {
	name     string
	subject  string
	priority int
	filter   func(*envelope.Envelope) bool
	fn       ProcessFunc
}

// New wraps fn as a Handler.
func New(name, subject string, fn ProcessFunc, opts ...Option) Handler {
	h := &funcHandler{
		name:     name,
		subject:  subject,
		priority: DefaultPriority,
		fn:       fn,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *funcHandler) Name() string    { return h.name }
func (h *funcHandler) Subject() string { return h.subject }
func (h *funcHandler) Priority() int   { return h.priority }

func (h *funcHandler) Supports(env *envelope.Envelope) bool {
	if env == nil || env.Subject != h.subject {
		return false
	}
	return h.filter == nil || h.filter(env)
}

func (h *funcHandler) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if h.fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	return h.fn(ctx, env)
}
