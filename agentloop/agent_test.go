package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/dacli/capability"
	"github.com/martinemde/dacli/memory"
	"github.com/martinemde/dacli/toolkit"
	"github.com/martinemde/dacli/unifiedllm"
)

type generateCall struct {
	messages []unifiedllm.Message
	tools    []unifiedllm.ToolDefinition
	system   string
}

type step struct {
	result *unifiedllm.GenerateResult
	err    error
}

// scriptedGenerator replays steps in order and then repeats the last one.
type scriptedGenerator struct {
	steps   []step
	calls   []generateCall
	initErr error
	inits   int
}

func (g *scriptedGenerator) Generate(_ context.Context, messages []unifiedllm.Message, tools []unifiedllm.ToolDefinition, system string) (*unifiedllm.GenerateResult, error) {
	g.calls = append(g.calls, generateCall{messages: slices.Clone(messages), tools: tools, system: system})
	i := min(len(g.calls)-1, len(g.steps)-1)
	return g.steps[i].result, g.steps[i].err
}

func (g *scriptedGenerator) Init(context.Context) error {
	g.inits++
	return g.initErr
}

func script(steps ...step) *scriptedGenerator {
	return &scriptedGenerator{steps: steps}
}

func answer(text string) step {
	return step{result: &unifiedllm.GenerateResult{Text: text, Usage: unifiedllm.Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}}}
}

func callTools(text string, calls ...unifiedllm.ToolCall) step {
	return step{result: &unifiedllm.GenerateResult{Text: text, ToolCalls: calls, Usage: unifiedllm.Usage{TotalTokens: 1}}}
}

func failWith(err error) step {
	return step{err: err}
}

func call(id, name, args string) unifiedllm.ToolCall {
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type fakeCapability struct {
	name       string
	result     toolkit.Result
	calls      []map[string]any
	validated  int
	connectErr error
	connected  bool
	closed     bool
}

func (f *fakeCapability) Name() string { return f.name }

func (f *fakeCapability) Execute(_ context.Context, args map[string]any) toolkit.Result {
	f.calls = append(f.calls, args)
	return f.result
}

func (f *fakeCapability) Validate(context.Context) toolkit.Result {
	f.validated++
	return toolkit.Succeeded(f.name, map[string]any{"connected": true})
}

func (f *fakeCapability) Connect(context.Context) error {
	f.connected = f.connectErr == nil
	return f.connectErr
}

func (f *fakeCapability) Disconnect(context.Context) error {
	f.closed = true
	return nil
}

func newTestStore(t *testing.T, opts ...memory.Option) *memory.Store {
	t.Helper()
	base := []memory.Option{
		memory.WithFs(afero.NewMemMapFs()),
		memory.WithSessionID("test_session"),
		memory.WithPaths("state", "history"),
	}
	store, err := memory.New(append(base, opts...)...)
	require.NoError(t, err)
	return store
}

func newTestAgent(t *testing.T, gen Generator, opts ...Option) *Agent {
	t.Helper()
	a, err := New(gen, newTestStore(t), opts...)
	require.NoError(t, err)
	return a
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func toolResults(msgs []unifiedllm.Message) []unifiedllm.ToolResultData {
	var out []unifiedllm.ToolResultData
	for _, m := range msgs {
		out = append(out, m.ToolResults()...)
	}
	return out
}

func TestAgent_ProcessMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("Should return the model answer and persist both turns", func(t *testing.T) {
		gen := script(answer("Hello!"))
		a := newTestAgent(t, gen)

		resp, err := a.ProcessMessage(ctx, "hi")
		require.NoError(t, err)
		assert.Equal(t, "Hello!", resp.Content)
		assert.Equal(t, 1, resp.Iteration)
		assert.Equal(t, StateTerminalAnswer, resp.State)
		assert.False(t, resp.NeedsUserInput)
		assert.Empty(t, resp.ToolCalls)
		assert.Equal(t, 5, resp.Usage.TotalTokens)

		history := a.Store().FullHistory()
		require.Len(t, history, 2)
		assert.Equal(t, memory.RoleUser, history[0].Role)
		assert.Equal(t, "hi", history[0].Content)
		assert.Equal(t, memory.RoleAssistant, history[1].Role)
		assert.Equal(t, "Hello!", history[1].Content)
	})

	t.Run("Should send the windowed history, the tool catalogue and the system prompt", func(t *testing.T) {
		store := newTestStore(t, memory.WithWindow(3))
		require.NoError(t, store.AddUserMessage("one"))
		require.NoError(t, store.AddAssistantMessage("two"))
		require.NoError(t, store.AddToolResult("read_github_file", "three", ""))
		gen := script(answer("ok"))
		a, err := New(gen, store, WithSystemPrompt("You are a test."))
		require.NoError(t, err)

		_, err = a.ProcessMessage(ctx, "four")
		require.NoError(t, err)

		require.Len(t, gen.calls, 1)
		msgs := gen.calls[0].messages
		require.Len(t, msgs, 3)
		assert.Equal(t, unifiedllm.RoleAssistant, msgs[0].Role)
		assert.Equal(t, "two", msgs[0].TextContent())
		assert.Equal(t, unifiedllm.RoleUser, msgs[1].Role, "tool entries are replayed as user text")
		assert.Equal(t, "three", msgs[1].TextContent())
		assert.Equal(t, "four", msgs[2].TextContent())

		names := make([]string, 0, len(gen.calls[0].tools))
		for _, d := range gen.calls[0].tools {
			names = append(names, d.Name)
		}
		assert.Equal(t, []string{ToolRequestUserInput, ToolUpdateProgress}, names)
		assert.Contains(t, gen.calls[0].system, "You are a test.")
		assert.Contains(t, gen.calls[0].system, "`update_progress`")
	})

	t.Run("Should execute tool calls in emission order and echo them back", func(t *testing.T) {
		gen := script(
			callTools("working on it",
				call("c1", ToolUpdateProgress, `{"phase":"phase_1_discovery","step":"listed files","status":"in_progress"}`),
				call("c2", ToolUpdateProgress, `{"phase":"phase_1_discovery","step":"read files","status":"completed"}`),
			),
			answer("done"),
		)
		a := newTestAgent(t, gen)

		resp, err := a.ProcessMessage(ctx, "discover")
		require.NoError(t, err)
		assert.Equal(t, "done", resp.Content)
		assert.Equal(t, 2, resp.Iteration)
		assert.Len(t, resp.ToolCalls, 2)

		require.Len(t, gen.calls, 2)
		second := gen.calls[1].messages
		require.Len(t, second, 4)
		echoed := second[1].ToolCalls()
		require.Len(t, echoed, 2)
		assert.Equal(t, "c1", echoed[0].ID)
		assert.Equal(t, "c2", echoed[1].ID)
		assert.Equal(t, "working on it", second[1].TextContent())

		results := toolResults(second)
		require.Len(t, results, 2)
		assert.Equal(t, "c1", results[0].ToolCallID)
		assert.Equal(t, "c2", results[1].ToolCallID)
		assert.Contains(t, results[0].Content, "[update_progress] Executed successfully:")

		phase := a.Store().State().Phases["phase_1_discovery"]
		assert.Equal(t, memory.PhaseCompleted, phase.Status)
		assert.Equal(t, []string{"listed files", "read files"}, phase.StepsCompleted)

		history := a.Store().FullHistory()
		assert.Len(t, history, 2, "tool-call turns stay out of the persisted history")
	})

	t.Run("Should turn an unknown tool into an error result and keep going", func(t *testing.T) {
		gen := script(callTools("", call("c1", "drop_everything", `{}`)), answer("recovered"))
		a := newTestAgent(t, gen)

		resp, err := a.ProcessMessage(ctx, "go")
		require.NoError(t, err)
		assert.Equal(t, "recovered", resp.Content)
		require.Len(t, gen.calls, 2)

		results := toolResults(gen.calls[1].messages)
		require.Len(t, results, 1)
		assert.True(t, results[0].IsError)
		assert.Equal(t, "[drop_everything] failed with error: Unknown tool: drop_everything", results[0].Content)

		log := a.Store().ToolHistory("drop_everything")
		require.Len(t, log, 1)
		assert.Equal(t, "error", log[0].Status)
		require.NotNil(t, log[0].Error)
		assert.Equal(t, "Unknown tool: drop_everything", *log[0].Error)
	})

	t.Run("Should reject arguments that do not match the tool schema", func(t *testing.T) {
		gen := script(callTools("", call("c1", ToolUpdateProgress, `{"phase":"phase_2_tables"}`)), answer("ok"))
		a := newTestAgent(t, gen)

		_, err := a.ProcessMessage(ctx, "go")
		require.NoError(t, err)

		results := toolResults(gen.calls[1].messages)
		require.Len(t, results, 1)
		assert.True(t, results[0].IsError)
		assert.Contains(t, results[0].Content, "invalid arguments for update_progress")
		assert.Equal(t, memory.PhaseNotStarted, a.Store().State().Phases["phase_2_tables"].Status)
	})

	t.Run("Should stop the batch and return the question when user input is pending", func(t *testing.T) {
		gen := script(callTools("",
			call("c1", ToolRequestUserInput, `{"question":"Which database?","context":"Two candidates found"}`),
			call("c2", ToolUpdateProgress, `{"phase":"phase_0_infrastructure","step":"never"}`),
		))
		a := newTestAgent(t, gen)

		resp, err := a.ProcessMessage(ctx, "set up")
		require.NoError(t, err)
		assert.True(t, resp.NeedsUserInput)
		assert.Equal(t, StateAwaitingUserInput, resp.State)
		require.NotNil(t, resp.Pending)
		assert.Equal(t, "Which database?", resp.Pending.Question)
		assert.Equal(t, "Two candidates found", resp.Pending.Context)
		assert.Equal(t, "Two candidates found\n\nWhich database?", resp.Content)
		assert.Equal(t, 1, resp.Iteration)

		assert.Len(t, gen.calls, 1, "no model call after a pending result")
		assert.Len(t, a.Store().ToolHistory(""), 1)
		assert.Empty(t, a.Store().ToolHistory(ToolUpdateProgress))
		assert.Equal(t, "pending_approval", a.Store().ToolHistory("")[0].Status)
		assert.Len(t, eventsOfKind(drain(a.Events()), EventUserInputNeeded), 1)
	})

	t.Run("Should answer request_user_input through the registered callback", func(t *testing.T) {
		var asked string
		gen := script(callTools("", call("c1", ToolRequestUserInput, `{"question":"Proceed?"}`)), answer("proceeding"))
		a := newTestAgent(t, gen, WithUserInput(func(_ context.Context, prompt string) (string, error) {
			asked = prompt
			return "yes", nil
		}))

		resp, err := a.ProcessMessage(ctx, "go")
		require.NoError(t, err)
		assert.Equal(t, "Proceed?", asked)
		assert.Equal(t, "proceeding", resp.Content)

		results := toolResults(gen.calls[1].messages)
		require.Len(t, results, 1)
		assert.False(t, results[0].IsError)
		assert.Contains(t, results[0].Content, `"user_response":"yes"`)
	})

	t.Run("Should ask for guidance when the iteration bound is reached", func(t *testing.T) {
		gen := script(callTools("", call("c1", ToolUpdateProgress, `{"phase":"p","step":"again"}`)))
		a := newTestAgent(t, gen, WithMaxIterations(3))

		resp, err := a.ProcessMessage(ctx, "loop forever")
		require.NoError(t, err)
		assert.Equal(t, MaxIterationsMessage, resp.Content)
		assert.True(t, resp.NeedsUserInput)
		assert.Equal(t, 3, resp.Iteration)
		assert.Equal(t, StateNeedsGuidance, resp.State)
		assert.Len(t, gen.calls, 3)
		assert.Len(t, a.Store().ToolHistory(""), 3)
	})

	t.Run("Should report adapter failures in the response", func(t *testing.T) {
		gen := script(callTools("", call("c1", ToolUpdateProgress, `{"phase":"p","step":"s"}`)), failWith(errors.New("upstream exploded")))
		a := newTestAgent(t, gen)

		resp, err := a.ProcessMessage(ctx, "go")
		require.NoError(t, err)
		assert.Equal(t, "upstream exploded", resp.Error)
		assert.Empty(t, resp.Content)
		assert.Equal(t, 2, resp.Iteration)
		assert.Equal(t, StateFailed, resp.State)
		assert.Len(t, a.Store().FullHistory(), 1)
	})

	t.Run("Should return configuration errors to the caller", func(t *testing.T) {
		cfgErr := unifiedllm.NewConfigurationError("Unsupported LLM provider: cohere", nil)
		a := newTestAgent(t, script(failWith(cfgErr)))

		resp, err := a.ProcessMessage(ctx, "go")
		require.Error(t, err)
		var target *unifiedllm.ConfigurationError
		assert.ErrorAs(t, err, &target)
		require.NotNil(t, resp)
		assert.Contains(t, resp.Error, "Unsupported LLM provider: cohere")
		assert.Equal(t, 1, resp.Iteration)
	})

	t.Run("Should emit a warning when the model repeats the same call", func(t *testing.T) {
		same := callTools("", call("c1", ToolUpdateProgress, `{"phase":"p","step":"s"}`))
		gen := script(same, same, same, answer("stopped"))
		a := newTestAgent(t, gen, WithLoopDetection(3))

		resp, err := a.ProcessMessage(ctx, "go")
		require.NoError(t, err)
		assert.Equal(t, "stopped", resp.Content)

		loops := eventsOfKind(drain(a.Events()), EventLoopDetected)
		assert.Len(t, loops, 1)
		assert.Len(t, gen.calls[3].messages, 7, "loop detection never alters the working context")
	})
}

func TestAgent_CapabilityTools(t *testing.T) {
	ctx := context.Background()

	t.Run("Should only offer enabled operations with a capability behind them", func(t *testing.T) {
		settings := capability.EnableAll()
		settings.GitHub.Operations["delete_github_file"] = false
		a := newTestAgent(t, script(answer("ok")),
			WithRegistry(capability.NewRegistry(settings)),
			WithCapability(capability.GitHub, &fakeCapability{name: "github"}),
		)

		var names []string
		for _, d := range a.Tools() {
			names = append(names, d.Name)
		}
		assert.Equal(t, []string{
			"list_github_directory",
			"read_github_file",
			"push_github_file",
			"trigger_github_workflow",
			"list_github_workflow_runs",
			"get_github_workflow_run",
			"get_github_workflow_run_jobs",
			ToolRequestUserInput,
			ToolUpdateProgress,
		}, names)
	})

	t.Run("Should forward GitHub calls with their operation and renamed limit", func(t *testing.T) {
		gh := &fakeCapability{name: "github", result: toolkit.Succeeded("github", []any{})}
		gen := script(
			callTools("",
				call("c1", "list_github_workflow_runs", `{"limit":2}`),
				call("c2", "list_github_workflow_runs", `{}`),
				call("c3", "read_github_file", `{"path":"dbt_project.yml"}`),
			),
			answer("ok"),
		)
		a := newTestAgent(t, gen,
			WithRegistry(capability.NewRegistry(capability.EnableAll())),
			WithCapability(capability.GitHub, gh),
		)

		_, err := a.ProcessMessage(ctx, "runs")
		require.NoError(t, err)
		require.Len(t, gh.calls, 3)
		assert.Equal(t, "list_workflow_runs", gh.calls[0]["operation"])
		assert.EqualValues(t, 2, gh.calls[0]["per_page"])
		assert.NotContains(t, gh.calls[0], "limit")
		assert.EqualValues(t, 5, gh.calls[1]["per_page"])
		assert.Equal(t, map[string]any{"operation": "read_file", "path": "dbt_project.yml"}, gh.calls[2])

		results := toolResults(gen.calls[1].messages)
		assert.Equal(t, "[list_github_workflow_runs] Executed successfully. No results returned", results[0].Content)
	})

	t.Run("Should record objects created by successful DDL", func(t *testing.T) {
		sf := &fakeCapability{name: "snowflake", result: toolkit.Succeeded("snowflake", nil)}
		gen := script(
			callTools("",
				call("c1", "execute_snowflake_query", `{"query":"CREATE SCHEMA IF NOT EXISTS analytics.raw;"}`),
				call("c2", "execute_snowflake_query", `{"query":"create or replace file format raw.csv_fmt type = csv"}`),
				call("c3", "execute_snowflake_query", `{"query":"CREATE TABLE IF NOT EXISTS RAW.ORDERS (id INT)"}`),
				call("c4", "execute_snowflake_query", `{"query":"SELECT 1"}`),
			),
			answer("ok"),
		)
		a := newTestAgent(t, gen,
			WithRegistry(capability.NewRegistry(capability.EnableAll())),
			WithCapability(capability.Snowflake, sf),
		)

		_, err := a.ProcessMessage(ctx, "bronze")
		require.NoError(t, err)
		st := a.Store().State()
		assert.Equal(t, []string{"RAW"}, st.SchemasCreated)
		assert.Equal(t, []string{"RAW.CSV_FMT"}, st.FileFormatsCreated)
		assert.Equal(t, []string{"RAW.ORDERS"}, st.CreatedTables)
	})

	t.Run("Should not record DDL that failed", func(t *testing.T) {
		sf := &fakeCapability{name: "snowflake", result: toolkit.Failed("snowflake", "insufficient privileges")}
		gen := script(callTools("", call("c1", "execute_snowflake_query", `{"query":"CREATE SCHEMA RAW"}`)), answer("ok"))
		a := newTestAgent(t, gen,
			WithRegistry(capability.NewRegistry(capability.EnableAll())),
			WithCapability(capability.Snowflake, sf),
		)

		_, err := a.ProcessMessage(ctx, "bronze")
		require.NoError(t, err)
		assert.Empty(t, a.Store().State().SchemasCreated)

		results := toolResults(gen.calls[1].messages)
		assert.Equal(t, "[execute_snowflake_query] failed with error: insufficient privileges", results[0].Content)
	})

	t.Run("Should call Validate for the connection check", func(t *testing.T) {
		sf := &fakeCapability{name: "snowflake"}
		gen := script(callTools("", call("c1", "validate_snowflake_connection", `{}`)), answer("ok"))
		a := newTestAgent(t, gen,
			WithRegistry(capability.NewRegistry(capability.EnableAll())),
			WithCapability(capability.Snowflake, sf),
		)

		_, err := a.ProcessMessage(ctx, "check")
		require.NoError(t, err)
		assert.Equal(t, 1, sf.validated)
		assert.Empty(t, sf.calls)
	})
}

func TestAgent_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Should connect capabilities and report failures without failing", func(t *testing.T) {
		sf := &fakeCapability{name: "snowflake"}
		gh := &fakeCapability{name: "github", connectErr: errors.New("bad token")}
		gen := script(answer("ok"))
		a := newTestAgent(t, gen,
			WithRegistry(capability.NewRegistry(capability.EnableAll())),
			WithCapabilities(Capabilities{capability.Snowflake: sf, capability.GitHub: gh}),
		)

		require.NoError(t, a.Initialize(ctx))
		assert.Equal(t, 1, gen.inits)
		assert.True(t, sf.connected)
		assert.False(t, gh.connected)

		statuses := eventsOfKind(drain(a.Events()), EventStatus)
		require.NotEmpty(t, statuses)
		last := statuses[len(statuses)-1].String()
		assert.Contains(t, last, "Active tools: LLM, Snowflake")
		assert.Contains(t, last, "Skipped (disabled): Pinecone (Vector Search)")
		assert.Contains(t, last, "Failed to initialize: GitHub")

		require.NoError(t, a.Shutdown(ctx))
		assert.True(t, sf.closed)
		_, open := <-a.Events()
		assert.False(t, open)
	})
}
