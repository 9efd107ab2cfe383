package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned by Build when no builder is registered
// under the configured PubSubSystem.
var ErrUnknownTransport = errors.New("imbus: unknown transport")

// CapabilitiesFunc derives a transport's guarantees from its configuration,
// for brokers whose guarantees depend on how they are set up.
type CapabilitiesFunc func(cfg Config) Capabilities

type registration struct {
	builder      Builder
	capabilities CapabilitiesFunc
}

// Registry maps PubSubSystem names to transport builders. Transport packages
// register themselves from init.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry is the registry the built-in transports register with.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a builder whose capabilities are unknown.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilitiesFunc(name, builder, nil)
}

// RegisterWithCapabilities adds a builder with fixed capabilities.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.RegisterWithCapabilitiesFunc(name, builder, func(Config) Capabilities { return caps })
}

// RegisterWithCapabilitiesFunc adds a builder whose capabilities are derived
// from the configuration it is built with. Registering a name twice replaces
// the earlier entry.
func (r *Registry) RegisterWithCapabilitiesFunc(name string, builder Builder, caps CapabilitiesFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeName(name)] = registration{builder: builder, capabilities: caps}
}

// GetCapabilities returns the capabilities of name under a default
// configuration, or a value carrying only the name when nothing is known.
func (r *Registry) GetCapabilities(name string) Capabilities {
	return r.CapabilitiesFor(StaticConfig{PubSubSystem: name})
}

// CapabilitiesFor returns the capabilities of the transport cfg selects.
func (r *Registry) CapabilitiesFor(cfg Config) Capabilities {
	name := cfg.GetPubSubSystem()
	r.mu.RLock()
	entry, ok := r.entries[normalizeName(name)]
	r.mu.RUnlock()
	if !ok || entry.capabilities == nil {
		return Capabilities{Name: name}
	}
	return entry.capabilities(cfg)
}

// Build creates the transport selected by cfg.GetPubSubSystem().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("imbus: transport config is required")
	}
	name := cfg.GetPubSubSystem()

	r.mu.RLock()
	entry, ok := r.entries[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownTransport, name, strings.Join(r.Names(), ", "))
	}

	tr, err := entry.builder(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	if tr.Publisher == nil || tr.Subscriber == nil {
		return Transport{}, fmt.Errorf("build %s transport: publisher and subscriber are required", name)
	}
	return tr, nil
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[normalizeName(name)]
	return ok
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

func RegisterWithCapabilitiesFunc(name string, builder Builder, caps CapabilitiesFunc) {
	DefaultRegistry.RegisterWithCapabilitiesFunc(name, builder, caps)
}

// CapabilitiesFor resolves capabilities through the default registry.
func CapabilitiesFor(cfg Config) Capabilities {
	return DefaultRegistry.CapabilitiesFor(cfg)
}

func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
