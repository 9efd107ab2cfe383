package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/imbus/internal/runtime/config"
	"github.com/drblury/imbus/internal/runtime/envelope"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	"github.com/drblury/imbus/internal/runtime/handlers"
	loggingpkg "github.com/drblury/imbus/internal/runtime/logging"
	"github.com/drblury/imbus/internal/runtime/persistence"
	"github.com/drblury/imbus/internal/runtime/store"
	transportpkg "github.com/drblury/imbus/internal/runtime/transport"
	"github.com/drblury/imbus/transport"
)

const shutdownTimeout = 30 * time.Second

var openStore = store.Open

// ServiceDependencies holds the collaborators the Service can use. Leave
// fields nil for the defaults.
type ServiceDependencies struct {
	Handlers                  []handlers.Handler
	Middlewares               []MiddlewareRegistration // Run inside the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	// Store overrides the store selected by the configuration. A store passed
	// here is not closed by the Service.
	Store           store.Store
	ErrorClassifier ErrorClassifier
	Hooks           DispatchHooks
	// Registerer receives the Prometheus collectors. When nil, the default
	// registerer is used if metrics are enabled and a private one otherwise.
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
}

// Service wires the transport, the handler registry and the persistence
// pipeline together.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	registry      *Registry
	subscriptions *SubscriptionManager
	adapter       transportpkg.Adapter
	capabilities  transport.Capabilities

	store     store.Store
	ownsStore bool
	pipeline  *persistence.Pipeline
	retention *persistence.Retention

	dispatchMetrics *DispatchMetrics
	registerer      prometheus.Registerer
	feed            *eventFeed

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewService is TryNewService that panics on error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates conf and builds every component. Nothing is
// subscribed until Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	withDefaults := conf.WithDefaults()
	conf = &withDefaults
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"store_driver":  conf.StoreDriver,
		"config":        conf,
	})

	s := &Service{
		Conf:         conf,
		Logger:       log,
		capabilities: transport.CapabilitiesFor(conf),
		registerer:   resolveRegisterer(deps.Registerer, conf.MetricsEnabled),
	}
	if conf.WebUIEnabled {
		s.feed = newEventFeed()
	}

	s.dispatchMetrics = NewDispatchMetrics(s.registerer)
	if err := s.dispatchMetrics.Register(); err != nil {
		return nil, fmt.Errorf("register dispatch metrics: %w", err)
	}

	if err := s.initPersistence(ctx, deps.Store); err != nil {
		return nil, err
	}
	if err := s.initTransport(ctx, deps.TransportFactory); err != nil {
		s.closeStore()
		return nil, err
	}
	if err := s.initRegistry(deps); err != nil {
		s.closeTransportAndStore()
		return nil, err
	}

	subs, err := NewSubscriptionManager(s.adapter, s.deliver, log, s.dispatchMetrics)
	if err != nil {
		s.closeTransportAndStore()
		return nil, err
	}
	s.subscriptions = subs
	return s, nil
}

func resolveRegisterer(r prometheus.Registerer, metricsEnabled bool) prometheus.Registerer {
	switch {
	case r != nil:
		return r
	case metricsEnabled:
		return prometheus.DefaultRegisterer
	default:
		return prometheus.NewRegistry()
	}
}

func (s *Service) initPersistence(ctx context.Context, st store.Store) error {
	if st == nil {
		opened, err := openStore(ctx, s.Conf)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		st = opened
		s.ownsStore = true
	}
	s.store = st

	pm := persistence.NewMetrics(s.registerer)
	if err := pm.Register(); err != nil {
		s.closeStore()
		return fmt.Errorf("register persistence metrics: %w", err)
	}
	opts := []persistence.Option{
		persistence.WithLogger(loggingpkg.Component(s.Logger, "persistence")),
		persistence.WithMetrics(pm),
	}

	pipeline, err := persistence.New(s.Conf.Persistence, st, opts...)
	if err != nil {
		s.closeStore()
		return err
	}
	s.pipeline = pipeline

	if !s.Conf.Persistence.Disabled {
		retention, err := persistence.NewRetention(s.Conf.Persistence, st, opts...)
		if err != nil {
			s.closeStore()
			return err
		}
		s.retention = retention
	}
	return nil
}

func (s *Service) initTransport(ctx context.Context, factory transportpkg.Factory) error {
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return fmt.Errorf("init transport: %w", err)
	}

	if s.Conf.MetricsEnabled {
		tr, err = decorateTransport(tr, s.registerer, s.Conf.PubSubSystem)
		if err != nil {
			return err
		}
	}

	adapter, err := transportpkg.NewAdapter(tr, s.Logger)
	if err != nil {
		return err
	}
	s.adapter = adapter
	return nil
}

// decorateTransport adds watermill's publish and subscribe metrics.
func decorateTransport(tr transport.Transport, registerer prometheus.Registerer, subsystem string) (transport.Transport, error) {
	builder := metrics.NewPrometheusMetricsBuilder(registerer, "imbus", subsystem)
	pub, err := builder.DecoratePublisher(tr.Publisher)
	if err != nil {
		return tr, fmt.Errorf("decorate publisher: %w", err)
	}
	sub, err := builder.DecorateSubscriber(tr.Subscriber)
	if err != nil {
		return tr, fmt.Errorf("decorate subscriber: %w", err)
	}
	tr.Publisher = pub
	tr.Subscriber = sub
	return tr, nil
}

func (s *Service) initRegistry(deps ServiceDependencies) error {
	opts := []RegistryOption{
		WithHandlers(deps.Handlers...),
		WithMiddlewares(deps.Middlewares...),
		WithFailureSource(s.Conf.ServiceName, s.Conf.InstanceID),
		WithLogger(s.Logger),
		WithErrorClassifier(deps.ErrorClassifier),
		WithDispatchMetrics(s.dispatchMetrics),
		WithTracerProvider(deps.TracerProvider),
		WithHooks(deps.Hooks),
	}
	if deps.DisableDefaultMiddlewares {
		opts = append(opts, WithoutDefaultMiddlewares())
	}
	reg, err := NewRegistry(opts...)
	if err != nil {
		return err
	}
	s.registry = reg
	return nil
}

// Start subscribes the configured subjects and runs the pipeline worker, the
// retention job and the ops HTTP servers. It blocks until ctx is done, then
// shuts everything down. A Service can be started once.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errspkg.ErrServiceStarted
	}

	s.StartWebUIServer()
	s.registerMetricsHandler()

	g, gctx := errgroup.WithContext(ctx)

	s.pipeline.Start(gctx)
	if s.retention != nil {
		g.Go(func() error {
			s.retention.Run(gctx)
			return nil
		})
	}

	servers := s.startHTTPServers(g)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.Logger.Error("HTTP server shutdown failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}
		return nil
	})

	failed := 0
	for _, res := range s.subscriptions.SubscribeAll(gctx, s.Conf.Subjects) {
		if res.Err != nil {
			failed++
		}
	}
	s.Logger.Info("Event service started", loggingpkg.LogFields{
		"subjects":             s.subscriptions.ActiveSubjects(),
		"failed_subscriptions": failed,
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, s.Close(closeCtx))
}

// Close unsubscribes, drains the pipeline, closes the transport and, when the
// Service opened it, the store. It runs once; later calls return the first result.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.subscriptions.UnsubscribeAll()
		s.feed.close()

		var errs []error
		if err := s.pipeline.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pipeline: %w", err))
		}
		if err := s.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		if s.ownsStore {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
		s.Logger.Info("Event service stopped", nil)
	})
	return s.closeErr
}

func (s *Service) closeStore() {
	if s.ownsStore && s.store != nil {
		_ = s.store.Close()
	}
}

func (s *Service) closeTransportAndStore() {
	if s.adapter != nil {
		_ = s.adapter.Close()
	}
	s.closeStore()
}

// deliver handles one inbound envelope: persist it, dispatch it, then persist
// and optionally publish the result.
func (s *Service) deliver(ctx context.Context, env *envelope.Envelope) {
	s.persist(ctx, env)
	s.feed.publish(env)

	res := s.registry.Dispatch(ctx, env)
	out := res.Envelope()
	if out == nil {
		return
	}
	s.persist(ctx, out)
	s.feed.publish(out)

	if !s.Conf.PublishResponses {
		return
	}
	if err := s.publishEnvelope(ctx, out); err != nil {
		s.Logger.Error("Failed to publish dispatch result", err, loggingpkg.LogFields{
			"subject":        out.Subject,
			"event_id":       out.EventID,
			"correlation_id": out.CorrelationID,
		})
	}
}

func (s *Service) persist(ctx context.Context, env *envelope.Envelope) {
	if _, err := s.pipeline.Persist(ctx, env); err != nil {
		s.Logger.Error("Failed to persist envelope", err, loggingpkg.LogFields{
			"subject":  env.Subject,
			"event_id": env.EventID,
			"priority": string(env.Priority),
		})
	}
}

// Publish sends env on its subject and records it through the pipeline.
func (s *Service) Publish(ctx context.Context, env *envelope.Envelope) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if err := s.publishEnvelope(ctx, env); err != nil {
		return err
	}
	s.persist(ctx, env)
	s.feed.publish(env)
	return nil
}

func (s *Service) publishEnvelope(ctx context.Context, env *envelope.Envelope) error {
	if env == nil {
		return errspkg.ErrEventPayloadRequired
	}
	if env.Subject == "" {
		return errspkg.ErrSubjectRequired
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := s.adapter.Publish(ctx, env.Subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", env.Subject, err)
	}
	return nil
}

// Dispatch routes env through the registry without touching the transport.
func (s *Service) Dispatch(ctx context.Context, env *envelope.Envelope) Result {
	return s.registry.Dispatch(ctx, env)
}

func (s *Service) Registry() *Registry                           { return s.registry }
func (s *Service) Subscriptions() *SubscriptionManager           { return s.subscriptions }
func (s *Service) Pipeline() *persistence.Pipeline               { return s.pipeline }
func (s *Service) Retention() *persistence.Retention             { return s.retention }
func (s *Service) Store() store.Store                            { return s.store }
func (s *Service) DispatchMetrics() *DispatchMetrics             { return s.dispatchMetrics }
func (s *Service) TransportCapabilities() transport.Capabilities { return s.capabilities }
func (s *Service) IsConnected() bool                             { return s.adapter.IsConnected() }

// RegisterHTTPHandler mounts handler on the HTTP server for port. Servers
// start with Start, so handlers must be registered before it.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(g *errgroup.Group) []*http.Server {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	return servers
}
