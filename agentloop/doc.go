// Package agentloop implements the dacli orchestration loop.
//
// An Agent pairs a Generator (normally a *unifiedllm.Client) with the
// session memory store and a dispatch table of tools. Each call to
// ProcessMessage appends the user text to the session history, then calls
// the model with the windowed history, the enabled tool catalogue and the
// system prompt. Tool calls requested by the model are executed one at a
// time in the order they were emitted; their rendered results are folded
// into the working context for the next model call.
//
// An invocation ends when the model answers without calling a tool, when a
// tool leaves a question pending for the user, when the model call fails, or
// when the iteration bound is reached.
//
//	client := unifiedllm.NewClientFromConfig(unifiedllm.ProviderConfig{Provider: "anthropic", APIKey: key})
//	store, _ := memory.New()
//	agent, err := agentloop.New(client, store,
//	    agentloop.WithRegistry(capability.NewRegistry(settings.Tools)),
//	    agentloop.WithCapability(capability.Snowflake, warehouse.New(settings.Snowflake)),
//	)
//	if err != nil {
//	    return err
//	}
//	defer agent.Shutdown(ctx)
//
//	resp, err := agent.ProcessMessage(ctx, "Set up the bronze schema")
package agentloop
