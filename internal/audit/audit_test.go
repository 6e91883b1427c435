package audit

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/reactorhub/reactorhub/internal/httpserver"
)

// newTestWriter builds a Writer without a document store: these tests only
// exercise the enqueue side, never the Mongo flush, so the collection
// handle stays nil and Start is never called.
func newTestWriter() *Writer {
	return &Writer{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		entries: make(chan Entry, bufferSize),
	}
}

func TestLog_FillsDefaults(t *testing.T) {
	w := newTestWriter()

	w.Log(Entry{Action: "create", Resource: "webhook-subscription"})

	entry := <-w.entries
	if entry.ID == uuid.Nil {
		t.Error("Log should assign an ID when none is set")
	}
	if entry.OccurredAt.IsZero() {
		t.Error("Log should stamp OccurredAt when zero")
	}
}

func TestLog_DropsWhenFull(t *testing.T) {
	w := newTestWriter()
	// Don't start the background goroutine — nothing drains the channel.

	// Fill the buffer.
	for i := 0; i < bufferSize; i++ {
		w.Log(Entry{Action: "update", Resource: "script-subscription"})
	}

	// The next log should be dropped (non-blocking).
	w.Log(Entry{Action: "dropped", Resource: "dropped"})

	// Verify buffer is full.
	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestLogFromRequest_ExtractsFields(t *testing.T) {
	w := newTestWriter()
	// Don't start — we'll read from the channel directly.

	id := uuid.New()

	// Run the log call under the real request-ID middleware so the entry
	// picks the ID up from the request context, as production does.
	handler := httpserver.RequestID(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.LogFromRequest(r, "create", "webhook-subscription", id.String(), nil)
	}))

	r := httptest.NewRequest("POST", "/webhooks", nil)
	r.Header.Set("X-Request-ID", "req-42")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	entry := <-w.entries

	if entry.Action != "create" {
		t.Errorf("Action = %q, want %q", entry.Action, "create")
	}
	if entry.Resource != "webhook-subscription" {
		t.Errorf("Resource = %q, want %q", entry.Resource, "webhook-subscription")
	}
	if entry.ResourceID != id.String() {
		t.Errorf("ResourceID = %q, want %q", entry.ResourceID, id.String())
	}
	if entry.RequestID != "req-42" {
		t.Errorf("RequestID = %q, want %q", entry.RequestID, "req-42")
	}
}
