package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies which part of an oversized output is kept.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
	TruncateHead     TruncationMode = "head"
)

// eventOutputLimit caps the rendered tool output carried by tool_end events.
const eventOutputLimit = 4000

// TruncateOutput shortens output to at most maxChars characters of the
// original text plus a marker saying how much was removed. It is used for
// event payloads and terminal display only; the model always receives the
// full rendered result.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[... %d characters removed ...]\n", removed) + output[len(output)-maxChars:]
	case TruncateHead:
		return output[:maxChars] + fmt.Sprintf("\n[... %d characters removed ...]", removed)
	default:
		half := maxChars / 2
		return output[:half] +
			fmt.Sprintf("\n[... %d characters removed ...]\n", removed) +
			output[len(output)-(maxChars-half):]
	}
}

// TruncateLines keeps the first and last lines of output when it has more
// than maxLines lines.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - maxLines
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}
