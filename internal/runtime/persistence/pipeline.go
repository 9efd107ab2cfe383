// Package persistence records envelopes in the event store. Critical
// envelopes are written synchronously; everything else goes through a bounded
// buffer that is flushed in batches by a single background worker.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	configpkg "github.com/drblury/imbus/internal/runtime/config"
	"github.com/drblury/imbus/internal/runtime/envelope"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	"github.com/drblury/imbus/internal/runtime/logging"
	"github.com/drblury/imbus/internal/runtime/store"
)

// Outcome reports which path Persist took.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeWritten
	OutcomeBuffered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWritten:
		return "written"
	case OutcomeBuffered:
		return "buffered"
	default:
		return "skipped"
	}
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	CacheSize     int   `json:"cacheSize"`
	CacheInserts  int64 `json:"cacheInserts"`
	DirectWrites  int64 `json:"directWrites"`
	BatchFlushes  int64 `json:"batchFlushes"`
	RowsWritten   int64 `json:"rowsWritten"`
	Evicted       int64 `json:"evicted"`
	FlushFailures int64 `json:"flushFailures"`
}

type options struct {
	log     logging.ServiceLogger
	metrics *Metrics
	now     func() time.Time
}

// Option customises a Pipeline or a Retention job.
type Option func(*options)

func WithLogger(log logging.ServiceLogger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics mirrors counters into the given Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.log = logging.Component(o.log, "persistence")
	return o
}

// Pipeline decides whether and how each envelope is persisted.
type Pipeline struct {
	conf  configpkg.PersistenceConfig
	store store.Store
	options

	cache  *cache
	signal chan struct{}
	// flushMu serialises batch extraction and writing.
	flushMu sync.Mutex

	cacheInserts  atomic.Int64
	directWrites  atomic.Int64
	batchFlushes  atomic.Int64
	rowsWritten   atomic.Int64
	evicted       atomic.Int64
	flushFailures atomic.Int64

	closed    atomic.Bool
	startOnce sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a pipeline over st. Zero values in conf take their defaults.
func New(conf configpkg.PersistenceConfig, st store.Store, opts ...Option) (*Pipeline, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	conf = conf.WithDefaults()
	if conf.CacheCapacity < 0 || conf.BatchSize < 0 || conf.FlushInterval < 0 {
		return nil, fmt.Errorf("persistence: buffer sizing values must be positive")
	}
	if conf.BatchSize > conf.CacheCapacity {
		return nil, fmt.Errorf("persistence: batch size %d exceeds cache capacity %d", conf.BatchSize, conf.CacheCapacity)
	}
	return &Pipeline{
		conf:    conf,
		store:   st,
		options: buildOptions(opts),
		cache:   newCache(conf.CacheCapacity),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// ShouldPersist is false for excluded subject prefixes and LOW priority.
func (p *Pipeline) ShouldPersist(env *envelope.Envelope) bool {
	if env == nil || p.conf.Disabled {
		return false
	}
	for _, prefix := range p.conf.ExcludedPrefixes {
		if strings.HasPrefix(env.Subject, prefix) {
			return false
		}
	}
	return env.Priority != envelope.PriorityLow
}

// Persist records env. HIGH and URGENT envelopes and failures are written
// before returning; other persistable envelopes are buffered.
func (p *Pipeline) Persist(ctx context.Context, env *envelope.Envelope) (Outcome, error) {
	if !p.ShouldPersist(env) {
		return OutcomeSkipped, nil
	}
	if p.closed.Load() {
		return OutcomeSkipped, errspkg.ErrPipelineClosed
	}

	row := ToRow(env, p.log, p.now().UTC())
	if env.Priority.IsCritical() || env.IsFailure() {
		if err := p.store.Insert(ctx, row); err != nil {
			return OutcomeWritten, fmt.Errorf("persist event %s: %w", env.EventID, err)
		}
		p.directWrites.Add(1)
		p.metrics.observeDirectWrite()
		return OutcomeWritten, nil
	}

	p.enqueue(entry{row: row})
	p.cacheInserts.Add(1)
	size := p.cache.len()
	p.metrics.observeInsert(size)
	if size >= p.conf.BatchSize {
		select {
		case p.signal <- struct{}{}:
		default:
		}
	}
	return OutcomeBuffered, nil
}

func (p *Pipeline) enqueue(entries ...entry) {
	evicted := p.cache.push(entries...)
	if len(evicted) == 0 {
		return
	}
	p.evicted.Add(int64(len(evicted)))
	p.metrics.observeEvicted(len(evicted))
	for _, e := range evicted {
		p.log.Error("Write buffer full, dropping oldest event", nil, logging.LogFields{
			"event_id": e.row.EventID,
			"subject":  e.row.Subject,
			"attempts": e.attempts,
		})
	}
}

// Start launches the flush worker. Later calls are no-ops.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.started.Store(true)
		go p.run(ctx)
	})
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.conf.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.signal:
			p.flushFull(ctx)
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				p.log.Debug("Scheduled flush stopped early", logging.LogFields{"error": err.Error()})
			}
		}
	}
}

// flushFull writes whole batches while the buffer holds at least BatchSize.
func (p *Pipeline) flushFull(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	for {
		batch := p.cache.takeBatch(p.conf.BatchSize)
		if batch == nil {
			return
		}
		if err := p.writeBatch(ctx, batch); err != nil {
			return
		}
	}
}

// Flush drains the buffer in BatchSize chunks, stopping at the first failed
// batch.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	for {
		batch := p.cache.take(p.conf.BatchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := p.writeBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// writeBatch inserts rows in order. On the first error the whole batch goes
// back to the end of the buffer.
func (p *Pipeline) writeBatch(ctx context.Context, batch []entry) error {
	start := p.now()
	for _, e := range batch {
		row := e.row
		row.PersistedAt = p.now().UTC()
		if err := p.store.Insert(ctx, row); err != nil {
			for i := range batch {
				batch[i].attempts++
			}
			p.enqueue(batch...)
			p.flushFailures.Add(1)
			p.metrics.observeFlush(len(batch), p.now().Sub(start), false, p.cache.len())
			p.log.Error("Batch write failed, re-queued", err, logging.LogFields{
				"rows":     len(batch),
				"event_id": row.EventID,
			})
			return err
		}
	}
	p.batchFlushes.Add(1)
	p.rowsWritten.Add(int64(len(batch)))
	p.metrics.observeFlush(len(batch), p.now().Sub(start), true, p.cache.len())
	p.log.Debug("Batch written", logging.LogFields{"rows": len(batch)})
	return nil
}

// Close stops the worker and writes whatever is still buffered.
func (p *Pipeline) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.started.Load() {
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := p.Flush(ctx); err != nil {
		remaining := p.cache.len()
		p.log.Error("Final drain incomplete", err, logging.LogFields{"remaining": remaining})
		return errors.Join(err, fmt.Errorf("persistence: %d events left unwritten", remaining))
	}
	return nil
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		CacheSize:     p.cache.len(),
		CacheInserts:  p.cacheInserts.Load(),
		DirectWrites:  p.directWrites.Load(),
		BatchFlushes:  p.batchFlushes.Load(),
		RowsWritten:   p.rowsWritten.Load(),
		Evicted:       p.evicted.Load(),
		FlushFailures: p.flushFailures.Load(),
	}
}
