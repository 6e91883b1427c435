package sandbox

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecute_ReturnsValue(t *testing.T) {
	r := New(Config{ExecutionTimeout: time.Second}, testLogger())
	result := r.Execute(context.Background(), `payload.x + 1`, map[string]any{"x": float64(41)}, nil)

	if !result.OK {
		t.Fatalf("result.OK = false, error = %+v", result.Error)
	}
	if result.Value != int64(42) && result.Value != float64(42) {
		t.Errorf("result.Value = %v (%T), want 42", result.Value, result.Value)
	}
}

func TestExecute_SyntaxError(t *testing.T) {
	r := New(Config{ExecutionTimeout: time.Second}, testLogger())
	result := r.Execute(context.Background(), `function( {`, nil, nil)

	if result.OK {
		t.Fatal("result.OK = true, want false for syntax error")
	}
	if result.Error.Kind != KindSyntax {
		t.Errorf("Kind = %q, want %q", result.Error.Kind, KindSyntax)
	}
}

func TestExecute_ThrownError(t *testing.T) {
	r := New(Config{ExecutionTimeout: time.Second}, testLogger())
	result := r.Execute(context.Background(), `throw new Error("boom")`, nil, nil)

	if result.OK {
		t.Fatal("result.OK = true, want false")
	}
	if result.Error.Kind != KindThrown {
		t.Errorf("Kind = %q, want %q", result.Error.Kind, KindThrown)
	}
	if result.Error.Message == "" {
		t.Error("thrown error should carry a message")
	}
}

func TestExecute_Timeout(t *testing.T) {
	r := New(Config{ExecutionTimeout: 50 * time.Millisecond}, testLogger())
	result := r.Execute(context.Background(), `while(true) {}`, nil, nil)

	if result.OK {
		t.Fatal("result.OK = true, want false for infinite loop")
	}
	if result.Error.Kind != KindTimeout {
		t.Errorf("Kind = %q, want %q", result.Error.Kind, KindTimeout)
	}
}

func TestExecute_ContextAndConsoleAvailable(t *testing.T) {
	r := New(Config{ExecutionTimeout: time.Second}, testLogger())
	result := r.Execute(context.Background(), `console.log("hi"); context.trigger`,
		map[string]any{}, map[string]any{"trigger": "cron"})

	if !result.OK {
		t.Fatalf("result.OK = false, error = %+v", result.Error)
	}
	if result.Value != "cron" {
		t.Errorf("result.Value = %v, want cron", result.Value)
	}
}

func TestExecute_NoProcessAccess(t *testing.T) {
	r := New(Config{ExecutionTimeout: time.Second}, testLogger())
	result := r.Execute(context.Background(), `typeof process`, nil, nil)

	if !result.OK {
		t.Fatalf("result.OK = false, error = %+v", result.Error)
	}
	if result.Value != "undefined" {
		t.Errorf("typeof process = %v, want undefined", result.Value)
	}
}

func TestExecute_NoSetInterval(t *testing.T) {
	r := New(Config{ExecutionTimeout: time.Second}, testLogger())
	result := r.Execute(context.Background(), `typeof setInterval`, nil, nil)

	if !result.OK {
		t.Fatalf("result.OK = false, error = %+v", result.Error)
	}
	if result.Value != "undefined" {
		t.Errorf("typeof setInterval = %v, want undefined", result.Value)
	}
}

func TestExecute_APIHelper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	r := New(Config{ExecutionTimeout: time.Second, APIBaseURL: srv.URL, APITimeout: time.Second}, testLogger())
	result := r.Execute(context.Background(), `api.get("/status").ok`, nil, nil)

	if !result.OK {
		t.Fatalf("result.OK = false, error = %+v", result.Error)
	}
	if result.Value != true {
		t.Errorf("result.Value = %v, want true", result.Value)
	}
}

func TestExecute_APIHelper_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(Config{ExecutionTimeout: time.Second, APIBaseURL: srv.URL, APITimeout: time.Second}, testLogger())
	result := r.Execute(context.Background(), `api.get("/boom")`, nil, nil)

	if result.OK {
		t.Fatal("result.OK = true, want false for a 500 response")
	}
	if result.Error.Kind != KindThrown {
		t.Errorf("Kind = %q, want %q", result.Error.Kind, KindThrown)
	}
}
