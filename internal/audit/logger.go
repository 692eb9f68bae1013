package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/org/msgarchive/internal/storage"
	"github.com/rs/zerolog/log"
)

// Collection is where access entries are written.
const Collection = "access_log"

// Entry records one read of the message archive. Message text must never be
// placed here; only the request shape and result counts.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Operation string    `json:"operation"`
	ChatID    *int64    `json:"chat_id"`
	UserID    *int64    `json:"user_id"`
	Cursor    string    `json:"cursor,omitempty"`
	Limit     int       `json:"limit"`
	Returned  int       `json:"returned"`
	Redacted  int       `json:"redacted"`
}

// Logger writes access entries to the repository.
type Logger struct {
	entries storage.Collection
}

// NewLogger creates an audit Logger.
func NewLogger(repo storage.Repository) *Logger {
	return &Logger{entries: repo.Collection(Collection)}
}

// LogAccess records an archive read. Write failures are logged and dropped
// so a broken audit store never fails the read it describes.
func (l *Logger) LogAccess(ctx context.Context, entry *Entry) {
	entry.Timestamp = time.Now().UTC()
	if entry.RequestID == "" {
		entry.RequestID = RequestID(ctx)
	}
	data, err := storage.ToData(entry)
	if err == nil {
		_, err = l.entries.Add(ctx, data)
	}
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("operation", entry.Operation).Msg("audit write failed")
	}
}

// Limits for Recent.
const (
	DefaultRecent = 100
	MaxRecent     = 1000
)

// Recent returns the newest entries, most recent first. A limit of 0 or less
// means DefaultRecent; larger limits are capped at MaxRecent.
func (l *Logger) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	switch {
	case limit <= 0:
		limit = DefaultRecent
	case limit > MaxRecent:
		limit = MaxRecent
	}

	stream, err := l.entries.Query().Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying access log: %w", err)
	}
	defer stream.Close()

	// Keep a ring of the last limit documents in write order.
	ring := make([]*storage.Document, 0, limit)
	next := 0
	for stream.Next() {
		doc := stream.Document()
		if len(ring) < limit {
			ring = append(ring, doc)
			continue
		}
		ring[next] = doc
		next = (next + 1) % limit
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("reading access log: %w", err)
	}

	out := make([]*Entry, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		var e Entry
		if err := ring[(next+i)%len(ring)].DataTo(&e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}
