package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/drblury/imbus/internal/runtime/envelope"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/imbus/internal/runtime/logging"
	transportpkg "github.com/drblury/imbus/internal/runtime/transport"
)

// DeliverFunc receives every decoded envelope.
type DeliverFunc func(ctx context.Context, env *envelope.Envelope)

// SubscribeResult reports the outcome for one subject of SubscribeAll.
type SubscribeResult struct {
	Subject       string `json:"subject"`
	AlreadyActive bool   `json:"already_active,omitempty"`
	Err           error  `json:"-"`
}

// SubscriptionManager owns the live subject subscriptions and turns raw
// deliveries into envelopes for the delivery sink.
type SubscriptionManager struct {
	adapter transportpkg.Adapter
	deliver DeliverFunc
	log     loggingpkg.ServiceLogger
	metrics *DispatchMetrics

	mu   sync.Mutex
	subs map[string]transportpkg.Subscription

	decodeFailures atomic.Uint64
}

// NewSubscriptionManager returns a manager with no subscriptions. metrics may be nil.
func NewSubscriptionManager(adapter transportpkg.Adapter, deliver DeliverFunc, log loggingpkg.ServiceLogger, metrics *DispatchMetrics) (*SubscriptionManager, error) {
	if adapter == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if deliver == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &SubscriptionManager{
		adapter: adapter,
		deliver: deliver,
		log:     loggingpkg.Component(log, "subscriptions"),
		metrics: metrics,
		subs:    make(map[string]transportpkg.Subscription),
	}, nil
}

// SubscribeAll subscribes every subject. A failing subject is logged and
// reported; the rest continue.
func (m *SubscriptionManager) SubscribeAll(ctx context.Context, subjects []string) []SubscribeResult {
	results := make([]SubscribeResult, 0, len(subjects))
	for _, subject := range subjects {
		res := SubscribeResult{Subject: subject}
		active, err := m.subscribe(ctx, subject)
		switch {
		case err != nil:
			res.Err = err
			m.log.Error("Subscribe failed", err, loggingpkg.LogFields{"subject": subject})
		case active:
			res.AlreadyActive = true
		}
		results = append(results, res)
	}
	m.log.Info("Subscriptions ready", loggingpkg.LogFields{
		"requested": len(subjects),
		"active":    m.ActiveCount(),
	})
	return results
}

// Subscribe subscribes one subject. Subscribing an active subject is a no-op.
func (m *SubscriptionManager) Subscribe(ctx context.Context, subject string) error {
	_, err := m.subscribe(ctx, subject)
	return err
}

func (m *SubscriptionManager) subscribe(ctx context.Context, subject string) (alreadyActive bool, err error) {
	if subject == "" {
		return false, errspkg.ErrSubjectRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[subject]; ok {
		return true, nil
	}
	sub, err := m.adapter.Subscribe(ctx, subject, m.onMessage(subject))
	if err != nil {
		return false, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	m.subs[subject] = sub
	m.metrics.SetActiveSubscriptions(len(m.subs))
	m.log.Debug("Subscribed", loggingpkg.LogFields{"subject": subject})
	return false, nil
}

func (m *SubscriptionManager) onMessage(subject string) transportpkg.MessageHandler {
	return func(ctx context.Context, payload []byte) {
		env, err := envelope.Decode(payload)
		if err != nil {
			m.decodeFailures.Add(1)
			m.metrics.RecordDecodeFailure(subject)
			m.log.Error("Dropping undecodable payload", err, loggingpkg.LogFields{
				"subject": subject,
				"bytes":   len(payload),
			})
			return
		}
		if env.Subject == "" {
			env.Subject = subject
		}
		if raw, ok := env.Metadata[envelope.MetadataKeyUnknownPriority]; ok {
			m.log.Info("Unknown priority treated as NORMAL", loggingpkg.LogFields{
				"subject":  env.Subject,
				"event_id": env.EventID,
				"priority": raw,
			})
		}
		m.deliver(ctx, env)
	}
}

// Unsubscribe cancels one subject. It reports whether the subject was active.
func (m *SubscriptionManager) Unsubscribe(subject string) bool {
	m.mu.Lock()
	sub, ok := m.subs[subject]
	delete(m.subs, subject)
	m.metrics.SetActiveSubscriptions(len(m.subs))
	m.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
	return ok
}

// UnsubscribeAll cancels every subscription and waits for in-flight
// deliveries. Calling it again is a no-op.
func (m *SubscriptionManager) UnsubscribeAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]transportpkg.Subscription)
	m.metrics.SetActiveSubscriptions(0)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if len(subs) > 0 {
		m.log.Info("Unsubscribed", loggingpkg.LogFields{"subjects": len(subs)})
	}
}

func (m *SubscriptionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// ActiveSubjects returns the subscribed subjects, sorted.
func (m *SubscriptionManager) ActiveSubjects() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.subs))
	for subject := range m.subs {
		out = append(out, subject)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

func (m *SubscriptionManager) IsSubscribed(subject string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[subject]
	return ok
}

// DecodeFailures is the number of payloads dropped because they did not decode.
func (m *SubscriptionManager) DecodeFailures() uint64 {
	return m.decodeFailures.Load()
}
