package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jcttech/claude-session-manager/internal/common/stringutil"
)

const maxBashCommandLen = 80

// FormatToolAction renders a tool invocation as a short markdown status line,
// e.g. "**Read** `src/main.go`". inputJSON is the raw tool input; when it does not
// parse, field lookups render as "?".
func FormatToolAction(name, inputJSON string) string {
	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		input = nil
	}
	field := func(key, fallback string) string {
		if s, ok := input[key].(string); ok {
			return s
		}
		return fallback
	}

	switch name {
	case "Read", "Write", "Edit":
		return fmt.Sprintf("**%s** `%s`", name, field("file_path", "?"))
	case "Bash":
		return fmt.Sprintf("**Bash** `%s`", stringutil.TruncateWithEllipsis(field("command", "?"), maxBashCommandLen))
	case "Glob", "Grep":
		return fmt.Sprintf("**%s** `%s`", name, field("pattern", "?"))
	case "WebFetch":
		return fmt.Sprintf("**WebFetch** `%s`", field("url", "?"))
	case "WebSearch":
		return fmt.Sprintf("**WebSearch** `%s`", field("query", "?"))
	case "Task":
		return fmt.Sprintf("**Task** _%s_", field("description", "subagent"))
	case "Skill":
		skill := field("skill", "?")
		if args, ok := input["args"].(string); ok {
			return fmt.Sprintf("**Skill** `/%s %s`", skill, args)
		}
		return fmt.Sprintf("**Skill** `/%s`", skill)
	case "NotebookEdit":
		return fmt.Sprintf("**NotebookEdit** `%s`", field("notebook_path", "?"))
	case "EnterPlanMode", "AskUserQuestion":
		return fmt.Sprintf("**%s**", name)
	}

	if strings.HasPrefix(name, "mcp__") {
		parts := strings.Split(name, "__")
		return fmt.Sprintf("**MCP** _%s_", parts[len(parts)-1])
	}
	return fmt.Sprintf("**%s**", name)
}

// FormatDurationShort renders d as "5s", "2m 30s" or "1h 5m".
func FormatDurationShort(d time.Duration) string {
	total := int64(d / time.Second)
	if total < 0 {
		total = 0
	}
	h, m, s := total/3600, (total%3600)/60, total%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// FormatDuration renders d coarsely as "2h 15m", "5m" or "30s".
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	if total < 0 {
		total = 0
	}
	h, m, s := total/3600, (total%3600)/60, total%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
