package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/imbus/internal/runtime/config"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
	idspkg "github.com/drblury/imbus/internal/runtime/ids"
)

var base = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func newRow(subject string, offset time.Duration, mutate ...func(*Row)) Row {
	created := base.Add(offset)
	r := Row{
		EventID:     idspkg.CreateULIDAt(created),
		Subject:     subject,
		EventType:   "REQUEST",
		Status:      "PENDING",
		Priority:    "NORMAL",
		Data:        `{"content":"hi"}`,
		CreatedAt:   created,
		ExpiresAt:   created,
		PersistedAt: created.Add(time.Second),
	}
	for _, m := range mutate {
		m(&r)
	}
	return r
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("insert is idempotent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		row := newRow("im.message.send", 0)

		require.NoError(t, s.Insert(ctx, row))
		dup := row
		dup.Subject = "im.other"
		require.NoError(t, s.Insert(ctx, dup))

		got, err := s.FindByEventID(ctx, row.EventID)
		require.NoError(t, err)
		assert.Equal(t, "im.message.send", got.Subject)
		assert.Equal(t, `{"content":"hi"}`, got.Data)
		assert.True(t, got.CreatedAt.Equal(row.CreatedAt))
		assert.NotZero(t, got.ID)
	})

	t.Run("insert requires event id", func(t *testing.T) {
		s := open(t)
		err := s.Insert(context.Background(), Row{Subject: "im.x"})
		require.ErrorIs(t, err, errspkg.ErrEventIDRequired)
	})

	t.Run("find by missing id", func(t *testing.T) {
		s := open(t)
		_, err := s.FindByEventID(context.Background(), "nope")
		require.ErrorIs(t, err, errspkg.ErrNotFound)
	})

	t.Run("find filters newest first", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		rows := []Row{
			newRow("im.message.send", 1*time.Minute, func(r *Row) { r.UserID = "u-1"; r.SourceService = "gateway" }),
			newRow("im.message.send", 2*time.Minute, func(r *Row) { r.UserID = "u-2"; r.TargetService = "gateway" }),
			newRow("im.message.send", 3*time.Minute, func(r *Row) {
				r.UserID = "u-1"
				r.Status = "FAILURE"
				r.ErrorCode = "PROCESSOR_ERROR"
				r.Priority = "HIGH"
			}),
			newRow("im.friend.add", 4*time.Minute, func(r *Row) { r.UserID = "u-1"; r.Priority = "URGENT" }),
		}
		for _, r := range rows {
			require.NoError(t, s.Insert(ctx, r))
		}

		got, err := s.Find(ctx, Query{Subject: "im.message.send"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, rows[2].EventID, got[0].EventID)
		assert.Equal(t, rows[0].EventID, got[2].EventID)

		got, err = s.Find(ctx, Query{UserID: "u-1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, rows[3].EventID, got[0].EventID)

		got, err = s.Find(ctx, Query{Status: "FAILURE", ErrorCode: "PROCESSOR_ERROR"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, rows[2].EventID, got[0].EventID)

		got, err = s.Find(ctx, Query{Service: "gateway"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.Find(ctx, Query{Priorities: []string{"HIGH", "URGENT"}})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.Find(ctx, Query{Since: base.Add(2 * time.Minute), Until: base.Add(3 * time.Minute)})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("delete expired before cutoff", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		old := newRow("im.message.send", -10*24*time.Hour)
		fresh := newRow("im.message.send", 0)
		edge := newRow("im.message.send", -7*24*time.Hour)
		for _, r := range []Row{old, fresh, edge} {
			require.NoError(t, s.Insert(ctx, r))
		}

		removed, err := s.DeleteExpiredBefore(ctx, base.Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, removed)

		_, err = s.FindByEventID(ctx, old.EventID)
		require.ErrorIs(t, err, errspkg.ErrNotFound)
		_, err = s.FindByEventID(ctx, edge.EventID)
		require.NoError(t, err, "rows expiring exactly at the cutoff are kept")
	})

	t.Run("counts", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Insert(ctx, newRow("im.a", 0)))
		require.NoError(t, s.Insert(ctx, newRow("im.a", time.Second, func(r *Row) { r.Status = "SUCCESS" })))
		require.NoError(t, s.Insert(ctx, newRow("im.b", 2*time.Second, func(r *Row) { r.Status = "SUCCESS" })))

		byStatus, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"PENDING": 1, "SUCCESS": 2}, byStatus)

		bySubject, err := s.CountBySubject(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"im.a": 2, "im.b": 1}, bySubject)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s := NewMemory()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStoreRejectsWritesAfterClose(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())
	err := s.Insert(context.Background(), newRow("im.x", 0))
	require.ErrorIs(t, err, errspkg.ErrStoreClosed)
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "events.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("IMBUS_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("IMBUS_TEST_POSTGRES_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgres(context.Background(), url, PostgresOptions{})
		require.NoError(t, err)
		t.Cleanup(func() {
			sqlS := s.(*sqlStore)
			_, _ = sqlS.db.Exec(`DELETE FROM event_records`)
			_ = s.Close()
		})
		return s
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, &configpkg.Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, &configpkg.Config{StoreDriver: "sqlite", SQLiteFile: filepath.Join(t.TempDir(), "e.db")})
	require.NoError(t, err)
	assert.NoError(t, s.Close())

	_, err = Open(ctx, &configpkg.Config{StoreDriver: "mongo"})
	require.Error(t, err)

	_, err = Open(ctx, nil)
	require.ErrorIs(t, err, errspkg.ErrConfigRequired)
}
