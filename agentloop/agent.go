package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/dacli/capability"
	"github.com/martinemde/dacli/logger"
	"github.com/martinemde/dacli/memory"
	"github.com/martinemde/dacli/toolkit"
	"github.com/martinemde/dacli/unifiedllm"
)

const (
	// DefaultMaxIterations bounds the model calls of one invocation.
	DefaultMaxIterations = 100

	// MaxIterationsMessage is the content of a needs_guidance response.
	MaxIterationsMessage = "Maximum iterations reached. Please provide more guidance."

	tracerName = "github.com/martinemde/dacli/agentloop"
)

// Generator is the provider adapter contract the loop depends on.
// *unifiedllm.Client implements it.
type Generator interface {
	Generate(ctx context.Context, messages []unifiedllm.Message, tools []unifiedllm.ToolDefinition, systemPrompt string) (*unifiedllm.GenerateResult, error)
}

// initializer is implemented by generators that can connect eagerly.
type initializer interface {
	Init(ctx context.Context) error
}

// State is where an invocation of ProcessMessage ended.
type State string

const (
	StateTerminalAnswer    State = "terminal_answer"
	StateAwaitingUserInput State = "awaiting_user_input"
	StateNeedsGuidance     State = "needs_guidance"
	StateFailed            State = "failed"
)

// Response is the outcome of one ProcessMessage invocation.
type Response struct {
	Content        string                `json:"content"`
	ToolCalls      []unifiedllm.ToolCall `json:"tool_calls"`
	NeedsUserInput bool                  `json:"needs_user_input"`
	Pending        *PendingInput         `json:"pending,omitempty"`
	Error          string                `json:"error,omitempty"`
	Iteration      int                   `json:"iteration"`
	State          State                 `json:"state"`
	Usage          unifiedllm.Usage      `json:"usage"`
}

// Agent drives one session: it calls the model, dispatches the tool calls
// it requests and folds the results back until the model answers, a tool
// needs the user, or the iteration bound is reached.
//
// ProcessMessage must not be called concurrently on the same Agent.
type Agent struct {
	llm           Generator
	store         *memory.Store
	registry      *capability.Registry
	caps          Capabilities
	tools         *ToolRegistry
	basePrompt    string
	systemPrompt  string
	maxIterations int
	loopWindow    int
	userInput     UserInputFunc
	log           logger.Logger
	tracer        trace.Tracer
	events        *EventEmitter
	eventBuffer   int
}

// Option configures an Agent.
type Option func(*Agent)

// WithMaxIterations sets the iteration bound. Values below 1 are ignored.
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithSystemPrompt replaces the built-in system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.basePrompt = prompt }
}

// WithLogger sets the agent logger. Defaults to a no-op logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithUserInput registers the callback answering request_user_input. Without
// it the question is returned to the caller as a pending input.
func WithUserInput(fn UserInputFunc) Option {
	return func(a *Agent) { a.userInput = fn }
}

// WithCapabilities sets the collaborators backing the enabled operations.
func WithCapabilities(caps Capabilities) Option {
	return func(a *Agent) {
		for k, v := range caps {
			a.caps[k] = v
		}
	}
}

// WithCapability sets the collaborator of one category.
func WithCapability(c capability.Category, impl toolkit.Capability) Option {
	return func(a *Agent) { a.caps[c] = impl }
}

// WithRegistry sets which categories and operations are enabled.
func WithRegistry(r *capability.Registry) Option {
	return func(a *Agent) { a.registry = r }
}

// WithTracer sets the tracer for message and tool spans.
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithLoopDetection sets the loop detection window; 0 disables it.
func WithLoopDetection(window int) Option {
	return func(a *Agent) { a.loopWindow = window }
}

// WithEventBuffer sets the size of the event channel buffer.
func WithEventBuffer(n int) Option {
	return func(a *Agent) { a.eventBuffer = n }
}

// New builds an agent for the session owned by store. The tool dispatch
// table is built here, once, from the enabled operations.
func New(llm Generator, store *memory.Store, opts ...Option) (*Agent, error) {
	if llm == nil {
		return nil, errors.New("agentloop: generator is required")
	}
	if store == nil {
		return nil, errors.New("agentloop: memory store is required")
	}
	a := &Agent{
		llm:           llm,
		store:         store,
		registry:      capability.NewRegistry(capability.ToolsSettings{}),
		caps:          Capabilities{},
		basePrompt:    defaultSystemPrompt,
		maxIterations: DefaultMaxIterations,
		loopWindow:    DefaultLoopWindow,
		log:           logger.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.tracer == nil {
		a.tracer = otel.Tracer(tracerName)
	}
	a.log = a.log.With("session_id", store.SessionID())
	a.events = NewEventEmitter(store.SessionID(), a.eventBuffer)

	a.tools = NewToolRegistry()
	if err := registerCapabilityTools(a.tools, a.registry, a.caps, store); err != nil {
		return nil, err
	}
	if err := a.tools.Register(requestUserInputDef, requestUserInput(a.userInput)); err != nil {
		return nil, err
	}
	if err := a.tools.Register(updateProgressDef, updateProgress(store)); err != nil {
		return nil, err
	}
	a.systemPrompt = BuildSystemPrompt(a.basePrompt, a.tools.Definitions())
	return a, nil
}

// SessionID returns the id of the session the agent drives.
func (a *Agent) SessionID() string { return a.store.SessionID() }

// Store returns the session store.
func (a *Agent) Store() *memory.Store { return a.store }

// Tools returns the tool catalogue offered to the model.
func (a *Agent) Tools() []unifiedllm.ToolDefinition { return a.tools.Definitions() }

// SystemPrompt returns the prompt sent with every model call.
func (a *Agent) SystemPrompt() string { return a.systemPrompt }

// Events returns the agent event stream. It is closed by Shutdown.
func (a *Agent) Events() <-chan Event { return a.events.Events() }

// Progress returns the condensed session state.
func (a *Agent) Progress() memory.ProgressSummary { return a.store.ProgressSummary() }

// Initialize connects the model and every enabled capability that holds a
// connection. Connection failures are reported as status events and do
// not prevent the agent from running.
func (a *Agent) Initialize(ctx context.Context) error {
	a.events.Status("Initializing agent...")

	var active, failed, skipped []string
	if in, ok := a.llm.(initializer); ok {
		a.events.Status("Connecting to LLM provider ...")
		if err := in.Init(ctx); err != nil {
			a.events.Status(fmt.Sprintf("Failed to initialize LLM: %v", err))
			a.log.Warn("llm initialization failed", "error", err)
			failed = append(failed, "LLM")
		} else {
			active = append(active, "LLM")
		}
	}

	for _, cat := range capability.Categories {
		info, _ := capability.Lookup(cat)
		c, ok := a.caps[cat]
		if !ok || c == nil || !a.registry.IsCategoryEnabled(cat) {
			skipped = append(skipped, info.Name)
			continue
		}
		conn, ok := c.(toolkit.Connector)
		if !ok {
			active = append(active, info.Name)
			continue
		}
		a.events.Status(fmt.Sprintf("Connecting to %s ...", info.Name))
		if err := conn.Connect(ctx); err != nil {
			a.events.Status(fmt.Sprintf("Failed to initialize %s: %v", info.Name, err))
			a.log.Warn("capability connect failed", "category", cat, "error", err)
			failed = append(failed, info.Name)
			continue
		}
		active = append(active, info.Name)
	}

	msg := "Agent initialized!\nActive tools: " + strings.Join(active, ", ")
	if len(skipped) > 0 {
		msg += "\nSkipped (disabled): " + strings.Join(skipped, ", ")
	}
	if len(failed) > 0 {
		msg += "\nFailed to initialize: " + strings.Join(failed, ", ")
	}
	a.events.Status(msg)
	a.log.Info("agent initialized", "active", active, "failed", failed, "tools", a.tools.Count())

	if err := a.store.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Shutdown disconnects the capabilities and closes the event stream.
func (a *Agent) Shutdown(ctx context.Context) error {
	var errs []error
	for _, cat := range capability.Categories {
		conn, ok := a.caps[cat].(toolkit.Connector)
		if !ok || !a.registry.IsCategoryEnabled(cat) {
			continue
		}
		if err := conn.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", cat, err))
		}
	}
	a.events.Close()
	return errors.Join(errs...)
}

// ProcessMessage runs one invocation of the loop for userText.
//
// Only adapter initialization failures (*unifiedllm.ConfigurationError) are
// returned as a Go error; they are also set on Response.Error. Every other
// failure is reported through the Response.
func (a *Agent) ProcessMessage(ctx context.Context, userText string) (*Response, error) {
	ctx, span := a.tracer.Start(ctx, "agent.process_message",
		trace.WithAttributes(attribute.String("session.id", a.store.SessionID())))
	defer span.End()

	if err := a.store.AddUserMessage(userText); err != nil {
		a.log.Error("persist user message", "error", err)
	}
	working := a.workingContext()
	defs := a.tools.Definitions()
	resp := &Response{ToolCalls: []unifiedllm.ToolCall{}}

	for resp.Iteration < a.maxIterations {
		resp.Iteration++
		a.events.Emit(EventIteration, map[string]any{
			"iteration": resp.Iteration,
			"max":       a.maxIterations,
			"message":   fmt.Sprintf("Iteration %d/%d", resp.Iteration, a.maxIterations),
		})
		a.log.Debug("calling model", "iteration", resp.Iteration, "messages", len(working))

		result, err := a.llm.Generate(ctx, working, defs, a.systemPrompt)
		if err != nil {
			return a.fail(span, resp, err)
		}
		resp.Usage = resp.Usage.Add(result.Usage)

		if len(result.ToolCalls) == 0 {
			if err := a.store.AddAssistantMessage(result.Text); err != nil {
				a.log.Error("persist assistant message", "error", err)
			}
			resp.Content = result.Text
			resp.State = StateTerminalAnswer
			return a.finish(span, resp), nil
		}

		// Providers require every tool call to be echoed back with a result.
		working = append(working, unifiedllm.AssistantToolCallMessage(result.Text, result.ToolCalls))
		resp.ToolCalls = append(resp.ToolCalls, result.ToolCalls...)

		for _, call := range result.ToolCalls {
			res := a.dispatch(ctx, call)
			working = append(working, unifiedllm.ToolResultMessage(call.ID, call.Name, res.Render(), !res.Success()))

			if res.Status == toolkit.StatusPendingApproval {
				pending := pendingFrom(res)
				resp.Content = result.Text
				if resp.Content == "" {
					resp.Content = pending.Prompt()
				}
				resp.NeedsUserInput = true
				resp.Pending = &pending
				resp.State = StateAwaitingUserInput
				a.events.Emit(EventUserInputNeeded, map[string]any{
					"question": pending.Question,
					"context":  pending.Context,
					"message":  pending.Prompt(),
				})
				return a.finish(span, resp), nil
			}
		}

		if a.loopWindow > 0 && DetectLoop(working, a.loopWindow) {
			msg := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern.", a.loopWindow)
			a.log.Warn("tool call loop detected", "window", a.loopWindow, "iteration", resp.Iteration)
			a.events.Emit(EventLoopDetected, map[string]any{"message": msg, "window": a.loopWindow})
		}
	}

	resp.Content = MaxIterationsMessage
	resp.NeedsUserInput = true
	resp.State = StateNeedsGuidance
	return a.finish(span, resp), nil
}

// workingContext converts the windowed history into model messages.
// Only user and final assistant turns are persisted; tool and system
// entries written by other means are handed to the model as user text.
func (a *Agent) workingContext() []unifiedllm.Message {
	history := a.store.ContextMessages()
	msgs := make([]unifiedllm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case memory.RoleAssistant:
			msgs = append(msgs, unifiedllm.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, unifiedllm.UserMessage(m.Content))
		}
	}
	return msgs
}

// dispatch executes one tool call and records it. It never fails.
func (a *Agent) dispatch(ctx context.Context, call unifiedllm.ToolCall) toolkit.Result {
	ctx, span := a.tracer.Start(ctx, "agent.tool",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		))
	defer span.End()

	args, err := call.Args()
	if err != nil {
		args = map[string]any{}
	}
	a.events.Emit(EventToolStart, map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"arguments": args,
	})

	res := a.tools.Dispatch(ctx, call)

	exec := memory.ToolExecution{
		ToolName:        call.Name,
		Status:          string(res.Status),
		InputParams:     args,
		ExecutionTimeMs: res.DurationMs(),
	}
	if res.Success() {
		exec.Result = res.Data
	}
	if res.Error != "" {
		e := res.Error
		exec.Error = &e
	}
	if err := a.store.LogToolExecution(exec); err != nil {
		a.log.Error("persist tool execution", "tool", call.Name, "error", err)
	}

	rendered := res.Render()
	a.events.Emit(EventToolEnd, map[string]any{
		"tool_name":   call.Name,
		"call_id":     call.ID,
		"status":      string(res.Status),
		"duration_ms": res.DurationMs(),
		"output":      TruncateOutput(rendered, eventOutputLimit, TruncateHeadTail),
		"message":     rendered,
	})
	span.SetAttributes(attribute.String("tool.status", string(res.Status)))
	if res.Status == toolkit.StatusError {
		span.SetStatus(codes.Error, res.Error)
		a.log.Warn("tool failed", "tool", call.Name, "error", res.Error)
	} else {
		a.log.Debug("tool finished", "tool", call.Name, "status", res.Status, "duration_ms", res.DurationMs())
	}
	return res
}

func (a *Agent) fail(span trace.Span, resp *Response, err error) (*Response, error) {
	resp.Error = err.Error()
	resp.Content = ""
	resp.State = StateFailed
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	a.log.Error("model call failed", "iteration", resp.Iteration, "error", err)
	a.events.Emit(EventError, map[string]any{"message": err.Error(), "iteration": resp.Iteration})
	a.finish(span, resp)

	var cfgErr *unifiedllm.ConfigurationError
	if errors.As(err, &cfgErr) {
		return resp, err
	}
	return resp, nil
}

func (a *Agent) finish(span trace.Span, resp *Response) *Response {
	span.SetAttributes(
		attribute.String("agent.state", string(resp.State)),
		attribute.Int("agent.iterations", resp.Iteration),
		attribute.Int("agent.tool_calls", len(resp.ToolCalls)),
	)
	a.events.Emit(EventInvocationEnd, map[string]any{
		"state":     string(resp.State),
		"iteration": resp.Iteration,
		"tokens":    resp.Usage.TotalTokens,
	})
	return resp
}

func pendingFrom(res toolkit.Result) PendingInput {
	switch d := res.Data.(type) {
	case PendingInput:
		return d
	case *PendingInput:
		if d != nil {
			return *d
		}
	case map[string]any:
		return PendingInput{
			Question: toolkit.StringArg(d, "question", ""),
			Context:  toolkit.StringArg(d, "context", ""),
		}
	}
	return PendingInput{Question: res.Error}
}
