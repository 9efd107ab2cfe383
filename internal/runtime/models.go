package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	jsoncodec "github.com/drblury/imbus/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// HandlerInfo describes one registered handler together with its live stats.
type HandlerInfo struct {
	Name     string        `json:"name"`
	Subject  string        `json:"subject"`
	Priority int           `json:"priority"`
	Stats    *HandlerStats `json:"stats"`
}

// HandlerStats accumulates invocation statistics for a single handler. It is
// safe for concurrent use; read it through Snapshot or JSON encoding.
type HandlerStats struct {
	mu sync.Mutex

	snapshot HandlerStatsSnapshot

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	resourceSampler  *resourceTracker
}

// HandlerStatsSnapshot is a point-in-time copy of HandlerStats.
type HandlerStatsSnapshot struct {
	Invocations         uint64    `json:"invocations"`
	Responses           uint64    `json:"responses"`
	Declined            uint64    `json:"declined"`
	Failures            uint64    `json:"failures"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastInvokedAt       time.Time `json:"last_invoked_at"`

	Latency     LatencyMetrics     `json:"latency"`
	Throughput  ThroughputMetrics  `json:"throughput"`
	Errors      ErrorBreakdown     `json:"errors"`
	Concurrency ConcurrencyMetrics `json:"concurrency"`
	Resource    ResourceUsage      `json:"resource"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS          float64 `json:"current_rps"`
	WindowSeconds       float64 `json:"window_seconds"`
	InvocationsInWindow uint64  `json:"invocations_in_window"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Panic      uint64 `json:"panic"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ConcurrencyMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryPanic      ErrorCategory = "panic"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets handler errors for the error breakdown.
type ErrorClassifier func(error) ErrorCategory

func newHandlerStats(sampler *resourceTracker) *HandlerStats {
	return &HandlerStats{
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (h *HandlerStats) onStart() {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := &h.snapshot.Concurrency
	c.InFlight++
	if c.InFlight > c.MaxInFlight {
		c.MaxInFlight = c.InFlight
	}
}

func (h *HandlerStats) onFinish(duration time.Duration, responded bool, err error, classifier ErrorClassifier) {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	s := &h.snapshot
	if s.Concurrency.InFlight > 0 {
		s.Concurrency.InFlight--
	}

	s.Invocations++
	switch {
	case err != nil:
		s.Failures++
	case responded:
		s.Responses++
	default:
		s.Declined++
	}
	s.TotalProcessingTime += int64(duration)
	s.LastInvokedAt = now.UTC()

	if h.latencyWindow != nil {
		h.latencyWindow.Add(duration)
		latency := h.latencyWindow.Snapshot()
		latency.AverageNs = s.TotalProcessingTime / int64(s.Invocations)
		s.Latency = latency
	}

	if h.throughputWindow != nil {
		tp := h.throughputWindow.AddAndSnapshot(now)
		s.Throughput = ThroughputMetrics{
			CurrentRPS:          tp.CurrentRPS,
			WindowSeconds:       tp.WindowSeconds,
			InvocationsInWindow: uint64(tp.Count),
		}
	}

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	s.Errors.Record(classifier(err), err)

	if h.resourceSampler != nil {
		s.Resource = h.resourceSampler.Snapshot()
	}
}

// Snapshot returns a copy of the current values.
func (h *HandlerStats) Snapshot() HandlerStatsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(h.Snapshot())
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	case ErrorCategoryPanic:
		e.Panic++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := range samples {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.SampleSize = lw.filled
	metrics.AverageNs = sum / int64(len(samples))
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

// percentile interpolates linearly between the two closest ranks of sorted samples.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var unprocessable *errspkg.UnprocessableEventError
	if errors.As(err, &unprocessable) {
		return ErrorCategoryValidation
	}
	var recovered middleware.RecoveredPanicError
	if errors.As(err, &recovered) {
		return ErrorCategoryPanic
	}
	if errors.Is(err, errspkg.ErrTransportClosed) || errors.Is(err, errspkg.ErrStoreClosed) {
		return ErrorCategoryTransport
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
