package runtime

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/imbus/internal/runtime/envelope"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	"github.com/drblury/imbus/internal/runtime/handlers"
	loggingpkg "github.com/drblury/imbus/internal/runtime/logging"
)

const (
	// DefaultFailureService is the source service stamped on synthesized
	// failure envelopes when none is configured.
	DefaultFailureService = "business-service"
	// DefaultFailureInstance pairs with DefaultFailureService.
	DefaultFailureInstance = "default"

	tracerName = "github.com/drblury/imbus"
)

// Registry routes envelopes to the handlers registered for their subject. It
// is immutable once NewRegistry returns and safe for concurrent Dispatch.
type Registry struct {
	groups   map[string][]handlers.Handler
	subjects []string
	stats    map[string]*HandlerStats

	invoke InvokeFunc

	failureService  string
	failureInstance string

	log        loggingpkg.ServiceLogger
	classifier ErrorClassifier
	metrics    *DispatchMetrics
	tracer     trace.Tracer
	resources  *resourceTracker
}

// RegistryOption customises NewRegistry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	handlers        []handlers.Handler
	middlewares     []MiddlewareRegistration
	disableDefaults bool
	failureService  string
	failureInstance string
	log             loggingpkg.ServiceLogger
	classifier      ErrorClassifier
	metrics         *DispatchMetrics
	tracerProvider  trace.TracerProvider
	hooks           DispatchHooks
}

// WithHandlers adds handlers in registration order.
func WithHandlers(hs ...handlers.Handler) RegistryOption {
	return func(o *registryOptions) { o.handlers = append(o.handlers, hs...) }
}

// WithMiddlewares appends middlewares after the defaults. They run inside the
// default chain, still wrapped by panic recovery.
func WithMiddlewares(ms ...MiddlewareRegistration) RegistryOption {
	return func(o *registryOptions) { o.middlewares = append(o.middlewares, ms...) }
}

// WithoutDefaultMiddlewares leaves only the middlewares added explicitly.
func WithoutDefaultMiddlewares() RegistryOption {
	return func(o *registryOptions) { o.disableDefaults = true }
}

// WithFailureSource sets the source stamped on synthesized failure envelopes.
func WithFailureSource(service, instance string) RegistryOption {
	return func(o *registryOptions) {
		o.failureService = service
		o.failureInstance = instance
	}
}

func WithLogger(log loggingpkg.ServiceLogger) RegistryOption {
	return func(o *registryOptions) { o.log = log }
}

func WithErrorClassifier(classifier ErrorClassifier) RegistryOption {
	return func(o *registryOptions) { o.classifier = classifier }
}

func WithDispatchMetrics(m *DispatchMetrics) RegistryOption {
	return func(o *registryOptions) { o.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) RegistryOption {
	return func(o *registryOptions) { o.tracerProvider = tp }
}

// WithHooks installs dispatch hooks. Hooks run inside the default chain, so a
// panicking handler still reaches OnError.
func WithHooks(hooks DispatchHooks) RegistryOption {
	return func(o *registryOptions) { o.hooks = o.hooks.Merge(hooks) }
}

// NewRegistry validates the handlers, orders them and builds the middleware chain.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	o := registryOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.log == nil {
		o.log = loggingpkg.NewDiscardLogger()
	}
	if o.classifier == nil {
		o.classifier = defaultErrorClassifier
	}
	if o.failureService == "" {
		o.failureService = DefaultFailureService
	}
	if o.failureInstance == "" {
		o.failureInstance = DefaultFailureInstance
	}
	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	r := &Registry{
		groups:          make(map[string][]handlers.Handler),
		stats:           make(map[string]*HandlerStats),
		failureService:  o.failureService,
		failureInstance: o.failureInstance,
		log:             loggingpkg.Component(o.log, "registry"),
		classifier:      o.classifier,
		metrics:         o.metrics,
		tracer:          tp.Tracer(tracerName),
		resources:       newResourceTracker(),
	}

	if err := r.addHandlers(o.handlers); err != nil {
		return nil, err
	}

	var defaults []MiddlewareRegistration
	if !o.disableDefaults {
		defaults = DefaultMiddlewares()
	}
	if err := r.buildChain(assembleChain(defaults, o.hooks, o.middlewares)); err != nil {
		return nil, err
	}

	r.log.Debug("Registry built", loggingpkg.LogFields{
		"subjects": len(r.subjects),
		"handlers": len(r.stats),
	})
	return r, nil
}

func (r *Registry) addHandlers(hs []handlers.Handler) error {
	for i, h := range hs {
		if h == nil {
			return fmt.Errorf("handler #%d: %w", i, errspkg.ErrHandlerRequired)
		}
		name, subject := h.Name(), h.Subject()
		if name == "" {
			return fmt.Errorf("handler #%d: %w", i, errspkg.ErrHandlerNameRequired)
		}
		if subject == "" {
			return fmt.Errorf("handler %s: %w", name, errspkg.ErrSubjectRequired)
		}
		key := statsKey(subject, name)
		if _, dup := r.stats[key]; dup {
			return fmt.Errorf("%w: %s on %s", errspkg.ErrDuplicateHandler, name, subject)
		}
		r.stats[key] = newHandlerStats(r.resources)
		r.groups[subject] = append(r.groups[subject], h)
	}

	r.subjects = make([]string, 0, len(r.groups))
	for subject, group := range r.groups {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Priority() < group[j].Priority()
		})
		r.subjects = append(r.subjects, subject)
	}
	sort.Strings(r.subjects)
	return nil
}

// assembleChain orders the chain outermost first. Hooks and extra middlewares
// sit between the defaults and the recoverer, which stays innermost.
func assembleChain(defaults []MiddlewareRegistration, hooks DispatchHooks, extra []MiddlewareRegistration) []MiddlewareRegistration {
	chain := make([]MiddlewareRegistration, 0, len(defaults)+len(extra)+1)
	var tail []MiddlewareRegistration
	for _, reg := range defaults {
		if reg.Name == recovererName {
			tail = append(tail, reg)
			continue
		}
		chain = append(chain, reg)
	}
	if !hooks.IsZero() {
		chain = append(chain, HooksMiddleware(hooks))
	}
	chain = append(chain, extra...)
	return append(chain, tail...)
}

func (r *Registry) buildChain(chain []MiddlewareRegistration) error {
	resolved := make([]DispatchMiddleware, 0, len(chain))
	for i, reg := range chain {
		mw, err := reg.resolve(r)
		if err != nil {
			return fmt.Errorf("middleware %s: %w", middlewareName(reg, i), err)
		}
		if mw == nil {
			continue
		}
		resolved = append(resolved, mw)
	}

	invoke := InvokeFunc(func(ctx context.Context, h handlers.Handler, env *envelope.Envelope) (*envelope.Envelope, error) {
		return h.Process(ctx, env)
	})
	for i := len(resolved) - 1; i >= 0; i-- {
		invoke = resolved[i](invoke)
	}
	r.invoke = invoke
	return nil
}

func statsKey(subject, name string) string {
	return subject + "\x00" + name
}

func (r *Registry) statsFor(h handlers.Handler) *HandlerStats {
	return r.stats[statsKey(h.Subject(), h.Name())]
}

func (r *Registry) info(h handlers.Handler) HandlerInfo {
	return HandlerInfo{
		Name:     h.Name(),
		Subject:  h.Subject(),
		Priority: h.Priority(),
		Stats:    r.statsFor(h),
	}
}

// HandlersFor returns the handlers of subject in dispatch order.
func (r *Registry) HandlersFor(subject string) []HandlerInfo {
	group := r.groups[subject]
	out := make([]HandlerInfo, 0, len(group))
	for _, h := range group {
		out = append(out, r.info(h))
	}
	return out
}

// AllSubjects returns the subjects with at least one handler, sorted.
func (r *Registry) AllSubjects() []string {
	return append([]string(nil), r.subjects...)
}

// Handlers returns every handler grouped by sorted subject, each group in
// dispatch order.
func (r *Registry) Handlers() []HandlerInfo {
	out := make([]HandlerInfo, 0, len(r.stats))
	for _, subject := range r.subjects {
		out = append(out, r.HandlersFor(subject)...)
	}
	return out
}

// RegistryStats summarises the registry's shape.
type RegistryStats struct {
	Subjects   int            `json:"subjects"`
	Handlers   int            `json:"handlers"`
	PerSubject map[string]int `json:"per_subject"`
}

func (r *Registry) Stats() RegistryStats {
	per := make(map[string]int, len(r.groups))
	total := 0
	for subject, group := range r.groups {
		per[subject] = len(group)
		total += len(group)
	}
	return RegistryStats{
		Subjects:   len(r.groups),
		Handlers:   total,
		PerSubject: per,
	}
}

// Resources samples process resource usage.
func (r *Registry) Resources() ResourceUsage {
	return r.resources.Snapshot()
}
