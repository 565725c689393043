package agentloop

import (
	"context"

	"github.com/martinemde/dacli/memory"
	"github.com/martinemde/dacli/toolkit"
	"github.com/martinemde/dacli/unifiedllm"
)

const (
	ToolRequestUserInput = "request_user_input"
	ToolUpdateProgress   = "update_progress"
)

// UserInputFunc answers a question on behalf of the user. It is called
// synchronously from the loop.
type UserInputFunc func(ctx context.Context, prompt string) (string, error)

// PendingInput is the question left for the caller when no UserInputFunc
// is registered.
type PendingInput struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
}

// Prompt joins the context and the question the way it is shown to a user.
func (p PendingInput) Prompt() string {
	if p.Context == "" {
		return p.Question
	}
	return p.Context + "\n\n" + p.Question
}

var requestUserInputDef = unifiedllm.ToolDefinition{
	Name:        ToolRequestUserInput,
	Description: "Request input from the user when stuck, encountering errors, or needing clarification. Use this to put the user in the loop.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{"type": "string", "description": "The question or information request for the user"},
			"context":  map[string]any{"type": "string", "description": "Context about what led to this request"},
		},
		"required": []string{"question"},
	},
}

var updateProgressDef = unifiedllm.ToolDefinition{
	Name:        ToolUpdateProgress,
	Description: "Update the current progress status. Use to track phases and steps completed.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"phase": map[string]any{"type": "string", "description": "Current phase (phase_0_infrastructure, phase_1_discovery, etc.)"},
			"step":  map[string]any{"type": "string", "description": "Description of the step completed"},
			"status": map[string]any{
				"type":        "string",
				"enum":        []string{"in_progress", "completed", "failed"},
				"description": "Status of the phase",
			},
		},
		"required": []string{"phase", "step"},
	},
}

// requestUserInput asks the registered callback, or leaves the question
// pending for the caller.
func requestUserInput(ask UserInputFunc) Handler {
	return func(ctx context.Context, args map[string]any) toolkit.Result {
		pending := PendingInput{
			Question: toolkit.StringArg(args, "question", ""),
			Context:  toolkit.StringArg(args, "context", ""),
		}
		if ask == nil {
			return toolkit.Pending(ToolRequestUserInput, pending)
		}
		answer, err := ask(ctx, pending.Prompt())
		if err != nil {
			return toolkit.Failed(ToolRequestUserInput, err.Error())
		}
		return toolkit.Succeeded(ToolRequestUserInput, map[string]any{"user_response": answer})
	}
}

var progressStatuses = map[string]memory.PhaseStatus{
	"in_progress": memory.PhaseInProgress,
	"completed":   memory.PhaseCompleted,
	"failed":      memory.PhaseFailed,
}

// updateProgress records a completed step on a phase of the session state.
func updateProgress(store *memory.Store) Handler {
	return func(_ context.Context, args map[string]any) toolkit.Result {
		phase := toolkit.StringArg(args, "phase", "")
		step := toolkit.StringArg(args, "step", "")
		status := toolkit.StringArg(args, "status", "in_progress")

		ps, ok := progressStatuses[status]
		if !ok {
			ps = memory.PhaseInProgress
		}
		if err := store.UpdatePhase(phase, memory.PhaseUpdate{Status: ps, StepCompleted: step}); err != nil {
			return toolkit.Failed(ToolUpdateProgress, err.Error())
		}
		return toolkit.Succeeded(ToolUpdateProgress, map[string]any{
			"phase":  phase,
			"step":   step,
			"status": status,
		})
	}
}
