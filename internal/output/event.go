// Package output defines the protocol-independent events a session surfaces to chat.
package output

import "fmt"

// Kind discriminates Event variants.
type Kind int

const (
	KindTextLine Kind = iota + 1
	KindToolAction
	KindResponseComplete
	KindProcessDied
)

func (k Kind) String() string {
	switch k {
	case KindTextLine:
		return "TextLine"
	case KindToolAction:
		return "ToolAction"
	case KindResponseComplete:
		return "ResponseComplete"
	case KindProcessDied:
		return "ProcessDied"
	default:
		return "Unknown"
	}
}

// Event is one normalized output item. Exactly one variant is set, as named by Kind.
type Event struct {
	Kind Kind

	// TextLine and ToolAction carry Text.
	Text string

	// ResponseComplete carries token usage for the turn.
	InputTokens  uint64
	OutputTokens uint64

	// ProcessDied carries an optional exit code and cause.
	ExitCode *int
	Cause    string
}

// TextLine builds a single line of agent text.
func TextLine(text string) Event {
	return Event{Kind: KindTextLine, Text: text}
}

// ToolAction builds a formatted tool status line.
func ToolAction(text string) Event {
	return Event{Kind: KindToolAction, Text: text}
}

// ResponseComplete marks the end of a successful turn.
func ResponseComplete(input, out uint64) Event {
	return Event{Kind: KindResponseComplete, InputTokens: input, OutputTokens: out}
}

// ProcessDied reports that the remote execution ended abnormally.
func ProcessDied(exitCode *int, cause string) Event {
	return Event{Kind: KindProcessDied, ExitCode: exitCode, Cause: cause}
}

// ExitCode is a convenience for building ProcessDied events.
func ExitCode(code int) *int {
	return &code
}

// Message renders the user facing notice for a ProcessDied event.
func (e Event) Message() string {
	code := "unknown"
	if e.ExitCode != nil {
		code = fmt.Sprintf("%d", *e.ExitCode)
	}
	cause := e.Cause
	if cause == "" && e.ExitCode != nil && *e.ExitCode > 128 {
		cause = SignalName(*e.ExitCode)
	}
	if cause != "" {
		return fmt.Sprintf(":warning: Session process died unexpectedly (exit code %s, %s). Use `start` to begin a new session.", code, cause)
	}
	return fmt.Sprintf(":warning: Session process died unexpectedly (exit code %s). Use `start` to begin a new session.", code)
}

// SignalName maps common fatal exit codes (128 + signal) to readable names.
func SignalName(code int) string {
	switch code {
	case 134:
		return "SIGABRT"
	case 137:
		return "SIGKILL (possibly OOM)"
	case 139:
		return "SIGSEGV (segmentation fault)"
	case 143:
		return "SIGTERM"
	default:
		return "unknown signal"
	}
}
