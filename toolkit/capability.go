package toolkit

import (
	"context"
	"time"
)

// Capability is an external collaborator the agent dispatches tool calls to.
// Execute and Validate never return Go errors: failures are reported as
// Results with a non-success status.
type Capability interface {
	Name() string
	Execute(ctx context.Context, args map[string]any) Result
	Validate(ctx context.Context) Result
}

// Connector is implemented by capabilities that hold a connection. Connect
// is invoked once at session start and Disconnect once at session end.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Timed runs fn and stamps the elapsed time and tool name onto its result.
func Timed(tool string, fn func() Result) Result {
	start := time.Now()
	res := fn()
	res.ToolName = tool
	res.Duration = time.Since(start)
	if res.Timestamp.IsZero() {
		res.Timestamp = start
	}
	return res
}

// StringArg extracts a string argument, returning def when missing or not a string.
func StringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

// IntArg extracts an integer argument. JSON numbers decode as float64, so
// both integral floats and ints are accepted.
func IntArg(args map[string]any, key string, def int) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return def
}

// BoolArg extracts a boolean argument.
func BoolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}
