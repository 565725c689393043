// Package capability describes the external tool categories the agent can
// be configured with and decides which of their operations are enabled.
package capability

// Category identifies a group of operations backed by one external system.
type Category string

const (
	Snowflake Category = "snowflake"
	GitHub    Category = "github"
	Pinecone  Category = "pinecone"
)

// Categories lists every category in display order.
var Categories = []Category{Snowflake, GitHub, Pinecone}

// Operation is one tool exposed to the model.
type Operation struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Kind        string `json:"category" yaml:"category"`
}

// Info is the catalog entry of a category.
type Info struct {
	Category       Category    `json:"category"`
	Name           string      `json:"name"`
	Description    string      `json:"description"`
	Icon           string      `json:"icon"`
	Operations     []Operation `json:"operations"`
	RequiredConfig []string    `json:"required_config"`
}

var catalog = []Info{
	{
		Category:    Snowflake,
		Name:        "Snowflake",
		Description: "Execute SQL queries and manage your Snowflake data warehouse",
		Icon:        "❄️",
		Operations: []Operation{
			{"execute_snowflake_query", "Execute SQL Query", "Execute a SQL query on Snowflake", "query"},
			{"validate_snowflake_connection", "Validate Connection", "Test Snowflake connection and get current context", "connection"},
		},
		RequiredConfig: []string{"account", "user", "password", "warehouse", "database"},
	},
	{
		Category:    GitHub,
		Name:        "GitHub",
		Description: "Manage files, workflows, and repositories on GitHub",
		Icon:        "🐙",
		Operations: []Operation{
			{"list_github_directory", "List Directory", "List contents of a directory in the repository", "read"},
			{"read_github_file", "Read File", "Read content of a file from the repository", "read"},
			{"push_github_file", "Push File", "Create or update a file in the repository", "write"},
			{"delete_github_file", "Delete File", "Delete a file from the repository", "write"},
			{"trigger_github_workflow", "Trigger Workflow", "Trigger a GitHub Actions workflow", "workflow"},
			{"list_github_workflow_runs", "List Workflow Runs", "List recent workflow runs", "workflow"},
			{"get_github_workflow_run", "Get Workflow Run", "Get status of a specific workflow run", "workflow"},
			{"get_github_workflow_run_jobs", "Get Workflow Jobs", "Get jobs and logs for a workflow run", "workflow"},
		},
		RequiredConfig: []string{"token", "owner", "repo"},
	},
	{
		Category:    Pinecone,
		Name:        "Pinecone (Vector Search)",
		Description: "Search documentation using vector embeddings for RAG",
		Icon:        "🌲",
		Operations: []Operation{
			{"search_snowflake_docs", "Search Documentation", "Search Snowflake docs in Pinecone vector store", "search"},
		},
		RequiredConfig: []string{"api_key", "index_name"},
	},
}

// Catalog returns every known category with its operations.
func Catalog() []Info {
	out := make([]Info, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the catalog entry of c.
func Lookup(c Category) (Info, bool) {
	for _, info := range catalog {
		if info.Category == c {
			return info, true
		}
	}
	return Info{}, false
}

// CategoryOf returns the category owning the operation id.
func CategoryOf(op string) (Category, bool) {
	for _, info := range catalog {
		for _, o := range info.Operations {
			if o.ID == op {
				return info.Category, true
			}
		}
	}
	return "", false
}
