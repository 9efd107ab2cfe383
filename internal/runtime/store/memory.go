package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/imbus/internal/runtime/errors"
)

// Memory is an in-process Store used for tests and the default channel setup.
type Memory struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[string]Row
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]Row)}
}

func (m *Memory) Insert(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if row.EventID == "" {
		return errspkg.ErrEventIDRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errspkg.ErrStoreClosed
	}
	if _, ok := m.rows[row.EventID]; ok {
		return nil
	}
	m.nextID++
	row.ID = m.nextID
	m.rows[row.EventID] = row
	return nil
}

func (m *Memory) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, row := range m.rows {
		if row.ExpiresAt.Before(cutoff) {
			delete(m.rows, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) FindByEventID(ctx context.Context, eventID string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[eventID]
	if !ok {
		return Row{}, errspkg.ErrNotFound
	}
	return row, nil
}

func (m *Memory) Find(ctx context.Context, q Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Row, 0, len(m.rows))
	for _, row := range m.rows {
		if q.matches(row) {
			out = append(out, row)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := q.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return m.countBy(ctx, func(r Row) string { return r.Status })
}

func (m *Memory) CountBySubject(ctx context.Context) (map[string]int64, error) {
	return m.countBy(ctx, func(r Row) string { return r.Subject })
}

func (m *Memory) countBy(ctx context.Context, key func(Row) string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int64)
	for _, row := range m.rows {
		counts[key(row)]++
	}
	return counts, nil
}

// Len returns the number of stored rows.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (q Query) matches(row Row) bool {
	switch {
	case q.Subject != "" && row.Subject != q.Subject:
		return false
	case q.UserID != "" && row.UserID != q.UserID:
		return false
	case q.Status != "" && row.Status != q.Status:
		return false
	case q.ErrorCode != "" && row.ErrorCode != q.ErrorCode:
		return false
	case q.Service != "" && row.SourceService != q.Service && row.TargetService != q.Service:
		return false
	case len(q.Priorities) > 0 && !slices.Contains(q.Priorities, row.Priority):
		return false
	case !q.Since.IsZero() && row.CreatedAt.Before(q.Since):
		return false
	case !q.Until.IsZero() && row.CreatedAt.After(q.Until):
		return false
	}
	return true
}
