package agentloop

import (
	"context"
	"maps"

	"github.com/martinemde/dacli/capability"
	"github.com/martinemde/dacli/memory"
	"github.com/martinemde/dacli/toolkit"
	"github.com/martinemde/dacli/unifiedllm"
)

// Capabilities maps a category to the collaborator serving its operations.
type Capabilities map[capability.Category]toolkit.Capability

// binding exposes one catalog operation to the model.
type binding struct {
	def  unifiedllm.ToolDefinition
	bind func(c toolkit.Capability, store *memory.Store) Handler
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integerProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

// execute forwards the model arguments to the capability unchanged.
func execute(c toolkit.Capability, _ *memory.Store) Handler {
	return c.Execute
}

// validate runs the capability health probe and ignores the arguments.
func validate(c toolkit.Capability, _ *memory.Store) Handler {
	return func(ctx context.Context, _ map[string]any) toolkit.Result {
		return c.Validate(ctx)
	}
}

// operation forwards to a multi-operation capability, selecting op and
// applying rename to the argument keys.
func operation(op string, rename map[string]string, defaults map[string]any) func(toolkit.Capability, *memory.Store) Handler {
	return func(c toolkit.Capability, _ *memory.Store) Handler {
		return func(ctx context.Context, args map[string]any) toolkit.Result {
			forwarded := make(map[string]any, len(args)+len(defaults)+1)
			maps.Copy(forwarded, defaults)
			for k, v := range args {
				if to, ok := rename[k]; ok {
					k = to
				}
				forwarded[k] = v
			}
			forwarded["operation"] = op
			return c.Execute(ctx, forwarded)
		}
	}
}

// executeQuery runs SQL and records the objects created by successful DDL.
func executeQuery(c toolkit.Capability, store *memory.Store) Handler {
	return func(ctx context.Context, args map[string]any) toolkit.Result {
		res := c.Execute(ctx, args)
		if res.Success() {
			if err := recordDDL(store, toolkit.StringArg(args, "query", "")); err != nil {
				return res.WithMetadata("state_error", err.Error())
			}
		}
		return res
	}
}

// bindings lists every catalog operation the loop knows how to expose, in
// the order the tools are offered to the model.
var bindings = []binding{
	{
		def: unifiedllm.ToolDefinition{
			Name:        "execute_snowflake_query",
			Description: "Execute a SQL query on Snowflake. Use for Bronze layer operations: schema creation, file format creation, table creation, COPY INTO, and validation queries. Execute ONE statement at a time.",
			Parameters:  objectSchema(map[string]any{"query": stringProp("The SQL query to execute. Must be a single statement.")}, "query"),
		},
		bind: executeQuery,
	},
	{
		def: unifiedllm.ToolDefinition{
			Name:        "validate_snowflake_connection",
			Description: "Test the Snowflake connection and get current context (warehouse, database, schema, role, user).",
			Parameters:  objectSchema(map[string]any{}),
		},
		bind: validate,
	},
	{
		def: unifiedllm.ToolDefinition{
			Name:        "search_snowflake_docs",
			Description: "Search Snowflake documentation in Pinecone vector store. Use when templates fail or need clarification on Snowflake concepts.",
			Parameters:  objectSchema(map[string]any{"query": stringProp("Search query for Snowflake documentation")}, "query"),
		},
		bind: execute,
	},
	{
		def: unifiedllm.ToolDefinition{
			Name:        "list_github_directory",
			Description: "List contents of a directory in the GitHub repository.",
			Parameters:  objectSchema(map[string]any{"path": stringProp("The directory path to list (e.g. 'models', 'analyses'). Use empty string or '/' for root.")}, "path"),
		},
		bind: operation("list_directory", nil, nil),
	},
	{
		def: unifiedllm.ToolDefinition{
			Name:        "read_github_file",
			Description: "Read the content of a file from the GitHub repository.",
			Parameters:  objectSchema(map[string]any{"path": stringProp("The file path to read (e.g. 'dbt_project.yml').")}, "path"),
		},
		bind: operation("read_file", nil, nil),
	},
	{
		def: unifiedllm.ToolDefinition{
			Name:        "push_github_file",
			Description: "Create or update a file in the GitHub repository (commits changes).",
			Parameters: objectSchema(map[string]any{
				"path":    stringProp("The file path to create or update."),
				"content": stringProp("The full content of the file."),
				"message": stringProp("Commit message describing the change."),
			}, "path", "content", "message"),
		},
		bind: operation("create_or_update_file", nil, nil),
	},
	{
		def: unifiedllm.ToolDefinition{
			Name:        "delete_github_file",
			Description: "Delete a file in the GitHub repository (commits changes).",
			Parameters: objectSchema(map[string]any{
				"path":    stringProp("The file path to delete."),
				"message": stringProp("Commit message describing the deletion."),
			}, "path", "message"),
		},
		bind: operation("delete_file", nil, nil),
	},
	{
		def: unifiedllm.ToolDefinition{
			Name:        "trigger_github_workflow",
			Description: "Trigger a GitHub Actions workflow.",
			Parameters: objectSchema(map[string]any{
				"workflow_id": stringProp("Workflow filename (e.g. 'deploy_dbt.yml')."),
				"inputs":      map[string]any{"type": "object", "description": "Optional inputs for the workflow_dispatch event."},
			}, "workflow_id"),
		},
		bind: operation("trigger_workflow", nil, nil),
	},
	{
		def: unifiedllm.ToolDefinition{
			Name:        "list_github_workflow_runs",
			Description: "List recent workflow runs for the repository.",
			Parameters:  objectSchema(map[string]any{"limit": integerProp("Number of runs to return (default 5).")}),
		},
		bind: operation("list_workflow_runs", map[string]string{"limit": "per_page"}, map[string]any{"per_page": 5}),
	},
	{
		def: unifiedllm.ToolDefinition{
			Name:        "get_github_workflow_run",
			Description: "Get status and details of a workflow run.",
			Parameters:  objectSchema(map[string]any{"run_id": integerProp("The ID of the workflow run.")}, "run_id"),
		},
		bind: operation("get_workflow_run", nil, nil),
	},
	{
		def: unifiedllm.ToolDefinition{
			Name:        "get_github_workflow_run_jobs",
			Description: "Get jobs, steps, and failure logs for a workflow run.",
			Parameters:  objectSchema(map[string]any{"run_id": integerProp("The ID of the workflow run.")}, "run_id"),
		},
		bind: operation("get_workflow_run_jobs", nil, nil),
	},
}

// registerCapabilityTools adds one tool per operation that is enabled in
// the registry and whose category has a capability.
func registerCapabilityTools(tools *ToolRegistry, reg *capability.Registry, caps Capabilities, store *memory.Store) error {
	for _, b := range bindings {
		if !reg.IsOperationEnabled(b.def.Name) {
			continue
		}
		cat, _ := capability.CategoryOf(b.def.Name)
		c, ok := caps[cat]
		if !ok || c == nil {
			continue
		}
		if err := tools.Register(b.def, b.bind(c, store)); err != nil {
			return err
		}
	}
	return nil
}
