package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/martinemde/dacli/unifiedllm"
)

// DefaultLoopWindow is the number of trailing tool calls inspected.
const DefaultLoopWindow = 10

// toolCallSignature is the tool name plus a short hash of its arguments.
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures returns the signatures of the last count tool calls in
// the working context, oldest first.
func recentSignatures(messages []unifiedllm.Message, count int) []string {
	var sigs []string
	for i := len(messages) - 1; i >= 0 && len(sigs) < count; i-- {
		if messages[i].Role != unifiedllm.RoleAssistant {
			continue
		}
		calls := messages[i].ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j].Name, calls[j].Arguments))
		}
	}
	slices.Reverse(sigs)
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls of the working
// context repeat a pattern of length 1, 2 or 3. A pattern must occur at
// least twice in the window.
func DetectLoop(messages []unifiedllm.Message, windowSize int) bool {
	if windowSize <= 1 {
		return false
	}
	sigs := recentSignatures(messages, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 || patternLen*2 > windowSize {
			continue
		}
		if repeats(sigs, patternLen) {
			return true
		}
	}
	return false
}

func repeats(sigs []string, patternLen int) bool {
	for i := patternLen; i < len(sigs); i++ {
		if sigs[i] != sigs[i%patternLen] {
			return false
		}
	}
	return true
}
