// Package store keeps durable event records written by the persistence
// pipeline. Records are keyed by event id and inserting a known id is a no-op.
package store

import (
	"context"
	"time"
)

// DefaultQueryLimit caps Find when Query.Limit is not set.
const DefaultQueryLimit = 100

// Row is the flattened, storable form of an envelope.
type Row struct {
	ID int64 `json:"id"`

	EventID   string `json:"eventId"`
	Subject   string `json:"subject"`
	EventType string `json:"eventType"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`

	SourceService  string `json:"sourceService"`
	SourceInstance string `json:"sourceInstance"`
	TargetService  string `json:"targetService"`
	TargetInstance string `json:"targetInstance"`

	UserID        string `json:"userId"`
	DeviceID      string `json:"deviceId"`
	SessionID     string `json:"sessionId"`
	CorrelationID string `json:"correlationId"`

	// Data and Metadata hold JSON text.
	Data     string `json:"data"`
	Metadata string `json:"metadata"`

	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	RetryCount   int    `json:"retryCount"`
	MaxRetries   int    `json:"maxRetries"`

	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	PersistedAt time.Time `json:"persistedAt"`
}

// Query filters Find. Empty fields match everything. Service matches either
// the source or the target service.
type Query struct {
	Subject    string
	UserID     string
	Status     string
	ErrorCode  string
	Service    string
	Priorities []string
	Since      time.Time
	Until      time.Time
	Limit      int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// Store is the durable event table.
type Store interface {
	// Insert writes row unless a row with the same event id exists.
	Insert(ctx context.Context, row Row) error
	// DeleteExpiredBefore removes rows whose expiry is strictly before cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// FindByEventID returns ErrNotFound when no row matches.
	FindByEventID(ctx context.Context, eventID string) (Row, error)
	// Find returns matching rows, newest first.
	Find(ctx context.Context, q Query) ([]Row, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountBySubject(ctx context.Context) (map[string]int64, error)
	Close() error
}
