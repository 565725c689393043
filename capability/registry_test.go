package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	settings := ToolsSettings{
		Snowflake: ToolConfig{Enabled: true, Operations: map[string]bool{
			"validate_snowflake_connection": true,
			"execute_snowflake_query":       true,
		}},
		GitHub: ToolConfig{Enabled: false, Operations: map[string]bool{"read_github_file": true}},
		Pinecone: ToolConfig{Enabled: true, Operations: map[string]bool{
			"search_snowflake_docs": false,
		}},
	}
	r := NewRegistry(settings)

	t.Run("Should list enabled operations in catalog order", func(t *testing.T) {
		assert.Equal(t, []string{"execute_snowflake_query", "validate_snowflake_connection"}, r.EnabledOperations())
	})

	t.Run("Should ignore operations of disabled categories", func(t *testing.T) {
		assert.False(t, r.IsOperationEnabled("read_github_file"))
		assert.False(t, r.IsOperationEnabled("search_snowflake_docs"))
		assert.False(t, r.IsOperationEnabled("not_a_tool"))
		assert.True(t, r.IsOperationEnabled("execute_snowflake_query"))
	})

	t.Run("Should list enabled categories", func(t *testing.T) {
		assert.Equal(t, []Category{Snowflake, Pinecone}, r.EnabledCategories())
		assert.False(t, r.IsCategoryEnabled(GitHub))
	})
}

func TestCatalog(t *testing.T) {
	t.Run("Should map every operation back to its category", func(t *testing.T) {
		for _, info := range Catalog() {
			for _, op := range info.Operations {
				c, ok := CategoryOf(op.ID)
				assert.True(t, ok, op.ID)
				assert.Equal(t, info.Category, c)
			}
		}
	})

	t.Run("Should enable everything with EnableAll", func(t *testing.T) {
		r := NewRegistry(EnableAll())
		assert.Len(t, r.EnabledOperations(), 11)
		assert.True(t, r.Settings().SetupCompleted)
	})
}

func TestMissingConfig(t *testing.T) {
	t.Run("Should report empty required keys", func(t *testing.T) {
		missing := MissingConfig(GitHub, map[string]string{"token": "t", "owner": ""})
		assert.Equal(t, []string{"owner", "repo"}, missing)
		assert.Empty(t, MissingConfig(Pinecone, map[string]string{"api_key": "k", "index_name": "docs"}))
	})
}
