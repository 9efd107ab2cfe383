package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Invocation outcomes used as metric labels.
const (
	outcomeResponse = "response"
	outcomeDeclined = "declined"
	outcomeError    = "error"
)

// DispatchMetrics tracks dispatch statistics per subject and mirrors them
// into Prometheus.
type DispatchMetrics struct {
	mu sync.RWMutex

	subjects map[string]*SubjectMetrics

	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	dispatchedTotal    *prometheus.CounterVec
	failuresTotal      *prometheus.CounterVec
	decodeFailures     *prometheus.CounterVec
	activeSubjects     prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// SubjectMetrics holds the counters for one subject.
type SubjectMetrics struct {
	Dispatched       uint64            `json:"dispatched"`
	Failures         uint64            `json:"failures"`
	FailuresByCode   map[string]uint64 `json:"failures_by_code,omitempty"`
	DecodeFailures   uint64            `json:"decode_failures"`
	LastDispatchedAt time.Time         `json:"last_dispatched_at"`
}

// DispatchMetricsSnapshot is a point-in-time view of DispatchMetrics.
type DispatchMetricsSnapshot struct {
	TotalDispatched uint64                     `json:"total_dispatched"`
	TotalFailures   uint64                     `json:"total_failures"`
	Subjects        map[string]*SubjectMetrics `json:"subjects"`
	CollectedAt     time.Time                  `json:"collected_at"`
}

func newDispatchCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imbus",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewDispatchMetrics creates the collectors. A nil registerer means the default one.
func NewDispatchMetrics(registerer prometheus.Registerer) *DispatchMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DispatchMetrics{
		subjects:         make(map[string]*SubjectMetrics),
		registerer:       registerer,
		invocationsTotal: newDispatchCounterVec("handler_invocations_total", "Handler invocations by outcome", []string{"subject", "handler", "outcome"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "imbus",
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Time spent inside a handler",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subject", "handler"}),
		dispatchedTotal: newDispatchCounterVec("events_total", "Envelopes dispatched", []string{"subject"}),
		failuresTotal:   newDispatchCounterVec("failures_total", "Synthesized failure responses by code", []string{"subject", "code"}),
		decodeFailures:  newDispatchCounterVec("decode_failures_total", "Payloads dropped because they could not be decoded", []string{"subject"}),
		activeSubjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imbus",
			Subsystem: "dispatch",
			Name:      "active_subscriptions",
			Help:      "Subjects currently subscribed",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DispatchMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.invocationsTotal,
		m.invocationDuration,
		m.dispatchedTotal,
		m.failuresTotal,
		m.decodeFailures,
		m.activeSubjects,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordInvocation records one handler call.
func (m *DispatchMetrics) RecordInvocation(subject, handler, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.invocationsTotal.WithLabelValues(subject, handler, outcome).Inc()
	m.invocationDuration.WithLabelValues(subject, handler).Observe(took.Seconds())
}

// RecordDispatch records a completed dispatch; code is empty on success.
func (m *DispatchMetrics) RecordDispatch(subject, code string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.getOrCreateSubjectMetrics(subject)
	sm.Dispatched++
	sm.LastDispatchedAt = time.Now().UTC()
	m.dispatchedTotal.WithLabelValues(subject).Inc()

	if code == "" {
		return
	}
	sm.Failures++
	if sm.FailuresByCode == nil {
		sm.FailuresByCode = make(map[string]uint64)
	}
	sm.FailuresByCode[code]++
	m.failuresTotal.WithLabelValues(subject, code).Inc()
}

// RecordDecodeFailure records a payload dropped by a subscription.
func (m *DispatchMetrics) RecordDecodeFailure(subject string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateSubjectMetrics(subject).DecodeFailures++
	m.decodeFailures.WithLabelValues(subject).Inc()
}

// SetActiveSubscriptions publishes the number of live subscriptions.
func (m *DispatchMetrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.activeSubjects.Set(float64(n))
}

// GetSnapshot returns a copy of the per-subject counters.
func (m *DispatchMetrics) GetSnapshot() DispatchMetricsSnapshot {
	snapshot := DispatchMetricsSnapshot{
		Subjects:    make(map[string]*SubjectMetrics),
		CollectedAt: time.Now().UTC(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for subject, sm := range m.subjects {
		clone := *sm
		if sm.FailuresByCode != nil {
			clone.FailuresByCode = make(map[string]uint64, len(sm.FailuresByCode))
			for code, n := range sm.FailuresByCode {
				clone.FailuresByCode[code] = n
			}
		}
		snapshot.Subjects[subject] = &clone
		snapshot.TotalDispatched += sm.Dispatched
		snapshot.TotalFailures += sm.Failures
	}
	return snapshot
}

func (m *DispatchMetrics) getOrCreateSubjectMetrics(subject string) *SubjectMetrics {
	if sm, ok := m.subjects[subject]; ok {
		return sm
	}
	sm := &SubjectMetrics{}
	m.subjects[subject] = sm
	return sm
}
