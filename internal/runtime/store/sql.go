package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	errspkg "github.com/drblury/imbus/internal/runtime/errors"
)

const tableName = "event_records"

const columns = `event_id, subject, event_type, status, priority,
	source_service, source_instance, target_service, target_instance,
	user_id, device_id, session_id, correlation_id,
	data, metadata, error_code, error_message, retry_count, max_retries,
	created_at, expires_at, persisted_at`

const columnCount = 22

type dialect struct {
	name string
	// bind returns the placeholder for the n-th (1-based) argument.
	bind   func(n int) string
	schema []string
}

var sqliteDialect = dialect{
	name: "sqlite",
	bind: func(int) string { return "?" },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS event_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			subject TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT '',
			source_service TEXT NOT NULL DEFAULT '',
			source_instance TEXT NOT NULL DEFAULT '',
			target_service TEXT NOT NULL DEFAULT '',
			target_instance TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			persisted_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_records_subject ON event_records(subject, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_event_records_user ON event_records(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_event_records_status ON event_records(status)`,
		`CREATE INDEX IF NOT EXISTS idx_event_records_expires ON event_records(expires_at)`,
	},
}

var postgresDialect = dialect{
	name: "postgres",
	bind: func(n int) string { return "$" + strconv.Itoa(n) },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS event_records (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			subject TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT '',
			source_service TEXT NOT NULL DEFAULT '',
			source_instance TEXT NOT NULL DEFAULT '',
			target_service TEXT NOT NULL DEFAULT '',
			target_instance TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			persisted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_records_subject ON event_records(subject, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_event_records_user ON event_records(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_event_records_status ON event_records(status)`,
		`CREATE INDEX IF NOT EXISTS idx_event_records_expires ON event_records(expires_at)`,
	},
}

// sqlStore implements Store over database/sql for both supported dialects.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	insert  string
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize %s schema: %w", d.name, err)
		}
	}
	binds := make([]string, columnCount)
	for i := range binds {
		binds[i] = d.bind(i + 1)
	}
	return &sqlStore{
		db:      db,
		dialect: d,
		insert: fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (event_id) DO NOTHING`,
			tableName, columns, strings.Join(binds, ", ")),
	}, nil
}

func (s *sqlStore) Insert(ctx context.Context, row Row) error {
	if row.EventID == "" {
		return errspkg.ErrEventIDRequired
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		row.EventID, row.Subject, row.EventType, row.Status, row.Priority,
		row.SourceService, row.SourceInstance, row.TargetService, row.TargetInstance,
		row.UserID, row.DeviceID, row.SessionID, row.CorrelationID,
		row.Data, row.Metadata, row.ErrorCode, row.ErrorMessage, row.RetryCount, row.MaxRetries,
		row.CreatedAt.UTC(), row.ExpiresAt.UTC(), row.PersistedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", row.EventID, err)
	}
	return nil
}

func (s *sqlStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	// #nosec G201 - table name and placeholder are constants
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at < %s`, tableName, s.dialect.bind(1)),
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) FindByEventID(ctx context.Context, eventID string) (Row, error) {
	// #nosec G201 - table name and placeholder are constants
	query := fmt.Sprintf(`SELECT id, %s FROM %s WHERE event_id = %s`, columns, tableName, s.dialect.bind(1))
	row, err := scanRow(s.db.QueryRowContext(ctx, query, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, errspkg.ErrNotFound
	}
	return row, err
}

func (s *sqlStore) Find(ctx context.Context, q Query) ([]Row, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, values ...any) {
		binds := make([]any, len(values))
		for i := range values {
			binds[i] = s.dialect.bind(len(args) + i + 1)
		}
		where = append(where, fmt.Sprintf(clause, binds...))
		args = append(args, values...)
	}
	if q.Subject != "" {
		add("subject = %s", q.Subject)
	}
	if q.UserID != "" {
		add("user_id = %s", q.UserID)
	}
	if q.Status != "" {
		add("status = %s", q.Status)
	}
	if q.ErrorCode != "" {
		add("error_code = %s", q.ErrorCode)
	}
	if q.Service != "" {
		add("(source_service = %s OR target_service = %s)", q.Service, q.Service)
	}
	if len(q.Priorities) > 0 {
		values := make([]any, len(q.Priorities))
		for i, p := range q.Priorities {
			values[i] = p
		}
		add("priority IN ("+strings.TrimSuffix(strings.Repeat("%s, ", len(values)), ", ")+")", values...)
	}
	if !q.Since.IsZero() {
		add("created_at >= %s", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		add("created_at <= %s", q.Until.UTC())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT id, %s FROM %s", columns, tableName)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&sb, " ORDER BY created_at DESC, id DESC LIMIT %d", q.limit())

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return s.countBy(ctx, "status")
}

func (s *sqlStore) CountBySubject(ctx context.Context) (map[string]int64, error) {
	return s.countBy(ctx, "subject")
}

func (s *sqlStore) countBy(ctx context.Context, column string) (map[string]int64, error) {
	// #nosec G201 - column is chosen from a fixed set
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %[1]s, COUNT(*) FROM %[2]s GROUP BY %[1]s`, column, tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to count events by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (Row, error) {
	var r Row
	err := sc.Scan(&r.ID,
		&r.EventID, &r.Subject, &r.EventType, &r.Status, &r.Priority,
		&r.SourceService, &r.SourceInstance, &r.TargetService, &r.TargetInstance,
		&r.UserID, &r.DeviceID, &r.SessionID, &r.CorrelationID,
		&r.Data, &r.Metadata, &r.ErrorCode, &r.ErrorMessage, &r.RetryCount, &r.MaxRetries,
		&r.CreatedAt, &r.ExpiresAt, &r.PersistedAt,
	)
	if err != nil {
		return Row{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.PersistedAt = r.PersistedAt.UTC()
	return r, nil
}
