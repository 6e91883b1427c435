// Package audit provides an async, buffered writer for the operator
// surface's audit trail (subscription/schedule CRUD, manual triggers,
// pause/resume).
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/reactorhub/reactorhub/internal/httpserver"
)

// Entry represents a single audit log entry to be written.
type Entry struct {
	ID         uuid.UUID       `bson:"_id"`
	Action     string          `bson:"action"`
	Resource   string          `bson:"resource"`
	ResourceID string          `bson:"resource_id,omitempty"`
	Detail     json.RawMessage `bson:"detail,omitempty"`
	RequestID  string          `bson:"request_id,omitempty"`
	OccurredAt time.Time       `bson:"occurred_at"`
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine to the
// `_audit_log` collection.
type Writer struct {
	collection *mongo.Collection
	logger     *slog.Logger
	entries    chan Entry
	wg         sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(db *mongo.Database, logger *slog.Logger) *Writer {
	return &Writer{
		collection: db.Collection("_audit_log"),
		logger:     logger,
		entries:    make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the
// document store. It returns when the context is cancelled and all pending
// entries are flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged.
func (w *Writer) Log(entry Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "resource", entry.Resource)
	}
}

// LogFromRequest is a convenience method that attaches the request ID from
// the request context before enqueueing the entry.
func (w *Writer) LogFromRequest(r *http.Request, action, resource, resourceID string, detail json.RawMessage) {
	w.Log(Entry{
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Detail:     detail,
		RequestID:  httpserver.RequestIDFromContext(r.Context()),
	})
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the document store.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = e
	}

	if _, err := w.collection.InsertMany(ctx, docs); err != nil {
		w.logger.Error("writing audit log batch", "error", err, "count", len(entries))
	}
}

// Recent returns a page of audit entries, newest first, plus the total
// entry count. Used by the operator surface's audit-log listing.
func (w *Writer) Recent(ctx context.Context, offset, limit int64) ([]Entry, int64, error) {
	total, err := w.collection.CountDocuments(ctx, bson.D{})
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "occurred_at", Value: -1}}).
		SetSkip(offset).
		SetLimit(limit)
	cur, err := w.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var out []Entry
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
