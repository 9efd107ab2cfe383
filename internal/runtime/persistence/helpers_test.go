package persistence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/imbus/internal/runtime/config"
	"github.com/drblury/imbus/internal/runtime/envelope"
	"github.com/drblury/imbus/internal/runtime/store"
)

var errInsert = errors.New("insert failed")

// flakyStore wraps a Memory store and fails inserts while failing is set.
type flakyStore struct {
	*store.Memory
	failing  atomic.Bool
	attempts atomic.Int64
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Memory: store.NewMemory()}
}

func (f *flakyStore) Insert(ctx context.Context, row store.Row) error {
	f.attempts.Add(1)
	if f.failing.Load() {
		return errInsert
	}
	return f.Memory.Insert(ctx, row)
}

func newTestPipeline(t *testing.T, conf configpkg.PersistenceConfig, st store.Store) *Pipeline {
	t.Helper()
	if conf.FlushInterval == 0 {
		conf.FlushInterval = time.Hour
	}
	p, err := New(conf, st, WithMetrics(NewMetrics(prometheus.NewRegistry())))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func normal(subject string) *envelope.Envelope {
	return envelope.New(subject, envelope.TypeRequest, map[string]any{"content": "hi"})
}
