// Package sandbox executes user-supplied reaction scripts inside a
// goja JS runtime with a frozen host surface and a wall-clock deadline.
// Nothing a script does — a thrown error, a syntax error, or a timeout —
// is allowed to propagate as a Go error or crash the host process; every
// outcome is reported through Result.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dop251/goja"
)

// maxSetTimeoutDelay is the clamp on the sandbox's setTimeout.
const maxSetTimeoutDelay = 10 * time.Second

// ErrorKind distinguishes the three ways a script execution can fail
// without the host itself erroring.
type ErrorKind string

const (
	KindSyntax  ErrorKind = "syntax"
	KindThrown  ErrorKind = "thrown"
	KindTimeout ErrorKind = "timeout"
)

// ScriptError describes a non-fatal script failure.
type ScriptError struct {
	Kind    ErrorKind
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Result is the outcome of a single script execution.
type Result struct {
	OK    bool
	Value any
	Error *ScriptError
}

// Config bounds script execution and the api.* host helper.
type Config struct {
	ExecutionTimeout time.Duration
	APIBaseURL       string
	APITimeout       time.Duration
}

// Runner executes scripts against a frozen host surface.
type Runner struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Runner.
func New(cfg Config, logger *slog.Logger) *Runner {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 30 * time.Second
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = 10 * time.Second
	}
	return &Runner{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.APITimeout},
		logger: logger,
	}
}

// Execute runs source against payload, merged with any fields in extra
// (cron invocations extend the payload with trigger metadata).
// It never returns a Go error: every failure mode is reported in Result.
func (r *Runner) Execute(ctx context.Context, source string, payload map[string]any, extra map[string]any) Result {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	deadline := r.cfg.ExecutionTimeout
	timer := time.AfterFunc(deadline, func() {
		vm.Interrupt(&ScriptError{Kind: KindTimeout, Message: "script execution exceeded wall-clock deadline"})
	})
	defer timer.Stop()

	ctxData := map[string]any{}
	for k, v := range extra {
		ctxData[k] = v
	}

	if err := r.installHostSurface(vm, payload, ctxData); err != nil {
		return Result{OK: false, Error: &ScriptError{Kind: KindSyntax, Message: err.Error()}}
	}

	value, err := vm.RunString(source)
	if err != nil {
		return Result{OK: false, Error: classify(err)}
	}

	return Result{OK: true, Value: exportValue(value)}
}

func (r *Runner) installHostSurface(vm *goja.Runtime, payload, ctxData map[string]any) error {
	if err := vm.Set("payload", payload); err != nil {
		return err
	}
	if err := vm.Set("context", ctxData); err != nil {
		return err
	}
	if err := vm.Set("console", r.consoleObject(vm)); err != nil {
		return err
	}
	if err := vm.Set("utils", r.utilsObject(vm)); err != nil {
		return err
	}
	if err := vm.Set("api", r.apiObject(vm)); err != nil {
		return err
	}
	if err := vm.Set("setTimeout", r.setTimeoutFunc(vm)); err != nil {
		return err
	}
	return nil
}

func (r *Runner) consoleObject(vm *goja.Runtime) map[string]any {
	logAt := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			r.logger.Log(context.Background(), level, "script console", "args", args)
			return goja.Undefined()
		}
	}
	return map[string]any{
		"log":   logAt(slog.LevelInfo),
		"warn":  logAt(slog.LevelWarn),
		"error": logAt(slog.LevelError),
	}
}

func (r *Runner) utilsObject(vm *goja.Runtime) map[string]any {
	return map[string]any{
		"now": func() int64 {
			return time.Now().UnixMilli()
		},
		"timestamp": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
	}
}

// apiObject exposes api.get/post/put/delete against the operator-configured
// base URL, the only network surface reachable from a script.
func (r *Runner) apiObject(vm *goja.Runtime) map[string]any {
	call := func(method string) func(string, goja.Value) (any, error) {
		return func(endpoint string, body goja.Value) (any, error) {
			return r.apiCall(method, endpoint, body)
		}
	}
	return map[string]any{
		"get":    call(http.MethodGet),
		"post":   call(http.MethodPost),
		"put":    call(http.MethodPut),
		"delete": call(http.MethodDelete),
	}
}

func (r *Runner) apiCall(method, endpoint string, body goja.Value) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.APITimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil && !goja.IsUndefined(body) && !goja.IsNull(body) {
		encoded, err := json.Marshal(body.Export())
		if err != nil {
			return nil, fmt.Errorf("api.%s: encoding request body: %w", method, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.APIBaseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("api.%s: building request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "reactorhub-sandbox/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api.%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api.%s: reading response: %w", method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("api.%s: %s returned %d: %s", method, endpoint, resp.StatusCode, string(raw))
	}

	if len(raw) == 0 {
		return nil, nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw), nil
	}
	return parsed, nil
}

// setTimeoutFunc implements a clamped, blocking setTimeout: there is no
// event loop in this runtime, so the callback runs synchronously after the
// clamped delay rather than being scheduled. No setInterval is exposed at
// all.
func (r *Runner) setTimeoutFunc(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		fn, ok := goja.AssertFunction(call.Arguments[0])
		if !ok {
			return goja.Undefined()
		}

		var delay time.Duration
		if len(call.Arguments) > 1 {
			delay = time.Duration(call.Arguments[1].ToInteger()) * time.Millisecond
		}
		if delay > maxSetTimeoutDelay {
			delay = maxSetTimeoutDelay
		}
		if delay > 0 {
			time.Sleep(delay)
		}

		if _, err := fn(goja.Undefined()); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	}
}

func classify(err error) *ScriptError {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &ScriptError{
			Kind:    KindThrown,
			Message: exc.Value().String(),
			Stack:   exc.String(),
		}
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if se, ok := interrupted.Value().(*ScriptError); ok {
			return se
		}
		return &ScriptError{Kind: KindTimeout, Message: "script execution timed out"}
	}

	return &ScriptError{Kind: KindSyntax, Message: err.Error()}
}

func exportValue(v goja.Value) any {
	if v == nil {
		return nil
	}
	return v.Export()
}
