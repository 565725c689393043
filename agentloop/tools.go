package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/martinemde/dacli/toolkit"
	"github.com/martinemde/dacli/unifiedllm"
)

// Handler executes one tool call with arguments that already passed schema
// validation. Handlers report failures through the returned Result.
type Handler func(ctx context.Context, args map[string]any) toolkit.Result

// RegisteredTool pairs a tool definition with its handler and compiled
// argument schema.
type RegisteredTool struct {
	Definition unifiedllm.ToolDefinition
	Handler    Handler
	schema     *jsonschema.Schema
}

// ToolRegistry is the dispatch table from tool name to handler. Definitions
// are returned in registration order.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	order []string
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds or replaces a tool. The definition's parameters must be a
// valid JSON schema.
func (r *ToolRegistry) Register(def unifiedllm.ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition has no name")
	}
	if handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, err := compileSchema(def.Name, def.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = &RegisteredTool{Definition: def, Handler: handler, schema: schema}
	return nil
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns the tool catalogue handed to the model.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Names returns the names of all registered tools in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Dispatch runs one tool call: lookup, argument decoding, schema
// validation, then the handler. It never panics and never returns a Go
// error; every failure becomes an ERROR result stamped with the call name
// and elapsed time.
func (r *ToolRegistry) Dispatch(ctx context.Context, call unifiedllm.ToolCall) toolkit.Result {
	return toolkit.Timed(call.Name, func() toolkit.Result {
		tool := r.Get(call.Name)
		if tool == nil {
			return toolkit.Failed(call.Name, fmt.Sprintf("Unknown tool: %s", call.Name))
		}

		args, err := call.Args()
		if err != nil {
			return toolkit.Failed(call.Name, fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		}
		if err := tool.validate(args); err != nil {
			return toolkit.Failed(call.Name, fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		}
		return invoke(ctx, tool.Handler, args)
	})
}

func invoke(ctx context.Context, h Handler, args map[string]any) (res toolkit.Result) {
	defer func() {
		if p := recover(); p != nil {
			res = toolkit.Failed("", fmt.Sprint(p))
		}
	}()
	return h(ctx, args)
}

func (t *RegisteredTool) validate(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	// The validator expects values shaped like encoding/json output.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if err := t.schema.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("%s", validationSummary(ve))
		}
		return err
	}
	return nil
}

// validationSummary flattens a validation error tree into its leaf messages.
func validationSummary(ve *jsonschema.ValidationError) string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return fmt.Sprintf("%s: %s", loc, ve.Message)
	}
	var buf bytes.Buffer
	for i, c := range ve.Causes {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(validationSummary(c))
	}
	return buf.String()
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	url := "mem://tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load parameters schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile parameters schema: %w", err)
	}
	return schema, nil
}
