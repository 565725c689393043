// Package toolkit defines the contract shared by every tool the agent can
// call: the Result/Status model, its text rendering for the model context,
// and the Capability interface implemented by external collaborators.
package toolkit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Status is the outcome of a tool execution.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusError           Status = "error"
	StatusTimeout         Status = "timeout"
	StatusCancelled       Status = "cancelled"
	StatusPendingApproval Status = "pending_approval"
)

// maxRenderedRows caps how many rows of a list payload reach the model.
const maxRenderedRows = 20

// Result is the uniform outcome record of executing one tool call.
type Result struct {
	ToolName  string         `json:"tool_name"`
	Status    Status         `json:"status"`
	Data      any            `json:"data"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Succeeded builds a SUCCESS result carrying data.
func Succeeded(tool string, data any) Result {
	return Result{ToolName: tool, Status: StatusSuccess, Data: data, Timestamp: time.Now()}
}

// Failed builds an ERROR result carrying the error text.
func Failed(tool string, errText string) Result {
	return Result{ToolName: tool, Status: StatusError, Error: errText, Timestamp: time.Now()}
}

// Pending builds a PENDING_APPROVAL result. The data describes what the
// caller has to resolve before the conversation can continue.
func Pending(tool string, data any) Result {
	return Result{ToolName: tool, Status: StatusPendingApproval, Data: data, Timestamp: time.Now()}
}

// Success reports whether the status is SUCCESS. Every other status,
// including PENDING_APPROVAL, counts as not successful.
func (r Result) Success() bool {
	return r.Status == StatusSuccess
}

// DurationMs returns the execution time in milliseconds.
func (r Result) DurationMs() float64 {
	return float64(r.Duration) / float64(time.Millisecond)
}

// WithMetadata returns a copy of r with key set in its metadata.
func (r Result) WithMetadata(key string, value any) Result {
	md := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		md[k] = v
	}
	md[key] = value
	r.Metadata = md
	return r
}

// MarshalJSON adds execution_time_ms to the serialized form.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		ExecutionTimeMs float64 `json:"execution_time_ms"`
	}{plain(r), r.DurationMs()})
}

// Render converts the result into the deterministic text that is fed back
// into the model context. The raw payload is never sent to the model.
func (r Result) Render() string {
	if !r.Success() {
		errText := r.Error
		if errText == "" {
			errText = string(r.Status)
		}
		return fmt.Sprintf("[%s] failed with error: %s", r.ToolName, errText)
	}

	if rows, ok := asRows(r.Data); ok {
		if len(rows) == 0 {
			return fmt.Sprintf("[%s] Executed successfully. No results returned", r.ToolName)
		}
		return fmt.Sprintf("[%s] Executed successfully. Returned %d rows:\n%s", r.ToolName, len(rows), formatRows(rows))
	}

	if isEmpty(r.Data) {
		return fmt.Sprintf("[%s] Executed successfully.", r.ToolName)
	}
	return fmt.Sprintf("[%s] Executed successfully:\n%s", r.ToolName, formatValue(r.Data))
}

func formatRows(rows []any) string {
	shown := rows
	if len(shown) > maxRenderedRows {
		shown = shown[:maxRenderedRows]
	}
	lines := make([]string, 0, len(shown)+1)
	for i, row := range shown {
		lines = append(lines, fmt.Sprintf(" Row %d: %s", i+1, formatValue(row)))
	}
	if len(rows) > maxRenderedRows {
		lines = append(lines, fmt.Sprintf("... and %d more rows", len(rows)-maxRenderedRows))
	}
	return strings.Join(lines, "\n")
}

// asRows reports whether v is a list payload and returns its elements.
// Byte slices are treated as scalar text.
func asRows(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if _, isBytes := v.([]byte); isBytes {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	rows := make([]any, rv.Len())
	for i := range rows {
		rows[i] = rv.Index(i).Interface()
	}
	return rows, true
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Map:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rv.IsZero()
	}
	return false
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(buf.String(), "\n")
}
