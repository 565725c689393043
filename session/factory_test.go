package session

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/dacli/agentloop"
	"github.com/martinemde/dacli/capability"
	"github.com/martinemde/dacli/config"
	"github.com/martinemde/dacli/logger"
	"github.com/martinemde/dacli/scm"
	"github.com/martinemde/dacli/unifiedllm"
	"github.com/martinemde/dacli/vectorsearch"
	"github.com/martinemde/dacli/warehouse"
)

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, messages []unifiedllm.Message, _ []unifiedllm.ToolDefinition, _ string) (*unifiedllm.GenerateResult, error) {
	return &unifiedllm.GenerateResult{Text: "echo: " + messages[len(messages)-1].TextContent()}, nil
}

func noCapabilities(*config.Settings, *capability.Registry, logger.Logger) agentloop.Capabilities {
	return agentloop.Capabilities{}
}

func testSettings() *config.Settings {
	s := config.Default()
	s.Agent.StatePath = "state"
	s.Agent.HistoryPath = "history"
	return s
}

func TestFactory_Open(t *testing.T) {
	ctx := context.Background()

	t.Run("Should create a new session and resume it later", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		f, err := NewFactory(testSettings(), WithFs(fsys), WithGenerator(echoGenerator{}), WithCapabilityBuilder(noCapabilities))
		require.NoError(t, err)

		agent, resumed, err := f.Open(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, resumed)
		resp, err := agent.ProcessMessage(ctx, "hello")
		require.NoError(t, err)
		assert.Equal(t, "echo: hello", resp.Content)
		require.NoError(t, agent.Shutdown(ctx))

		again, resumed, err := f.Open(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, resumed)
		assert.Len(t, again.Store().FullHistory(), 2)

		sessions, err := f.Sessions()
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, "s1", sessions[0].SessionID)
	})

	t.Run("Should apply limit overrides", func(t *testing.T) {
		f, err := NewFactory(testSettings(), WithFs(afero.NewMemMapFs()), WithGenerator(echoGenerator{}),
			WithCapabilityBuilder(noCapabilities), WithLimits(0, 3))
		require.NoError(t, err)

		store, err := f.Store("s2")
		require.NoError(t, err)
		assert.Equal(t, 3, store.Window())
	})

	t.Run("Should fail on an unreadable system prompt", func(t *testing.T) {
		s := testSettings()
		s.Agent.SystemPromptPath = "missing.md"
		_, err := NewFactory(s, WithFs(afero.NewMemMapFs()), WithGenerator(echoGenerator{}))
		assert.Error(t, err)
	})
}

func TestDefaultCapabilities(t *testing.T) {
	t.Run("Should build a client for each enabled category", func(t *testing.T) {
		s := testSettings()
		s.Tools = capability.EnableAll()
		caps := DefaultCapabilities(s, capability.NewRegistry(s.Tools), logger.NewNop())

		assert.IsType(t, &warehouse.Snowflake{}, caps[capability.Snowflake])
		assert.IsType(t, &scm.GitHub{}, caps[capability.GitHub])
		assert.IsType(t, &vectorsearch.Pinecone{}, caps[capability.Pinecone])
	})

	t.Run("Should skip disabled categories", func(t *testing.T) {
		s := testSettings()
		s.Tools = capability.ToolsSettings{}
		assert.Empty(t, DefaultCapabilities(s, capability.NewRegistry(s.Tools), logger.NewNop()))
	})
}
