package agentloop

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/martinemde/dacli/unifiedllm"
)

//go:embed prompts/system.md
var defaultSystemPrompt string

// DefaultSystemPrompt returns the built-in system prompt.
func DefaultSystemPrompt() string {
	return defaultSystemPrompt
}

// LoadSystemPrompt reads the prompt at path, or returns the built-in prompt
// when path is empty. A configured path that cannot be read is an error.
func LoadSystemPrompt(fsys afero.Fs, path string) (string, error) {
	if path == "" {
		return defaultSystemPrompt, nil
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return "", fmt.Errorf("load system prompt from %s: %w", path, err)
	}
	return string(data), nil
}

// BuildSystemPrompt appends the list of tools available in this session to
// the base prompt.
func BuildSystemPrompt(base string, tools []unifiedllm.ToolDefinition) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(base, "\n"))
	if len(tools) == 0 {
		return sb.String()
	}
	sb.WriteString("\n\n## Available tools\n\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "- `%s`: %s\n", t.Name, t.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}
