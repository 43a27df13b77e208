package bridge

// ExecuteRequest opens a new agent conversation.
type ExecuteRequest struct {
	Prompt             string            `json:"prompt"`
	PermissionMode     string            `json:"permission_mode,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	SystemPromptAppend string            `json:"system_prompt_append,omitempty"`
	MaxTurns           int32             `json:"max_turns,omitempty"`
	MaxThinkingTokens  int32             `json:"max_thinking_tokens,omitempty"`
}

// SendMessageRequest continues an existing conversation.
type SendMessageRequest struct {
	SessionID      string `json:"session_id"`
	Prompt         string `json:"prompt"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

type InterruptRequest struct {
	SessionID string `json:"session_id"`
}

type InterruptResponse struct {
	Success bool `json:"success"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Ready         bool   `json:"ready"`
	WorkerVersion string `json:"worker_version"`
}

// AgentEvent is one streamed worker event. Exactly one field is set.
type AgentEvent struct {
	SessionInit *SessionInit `json:"session_init,omitempty"`
	Text        *TextEvent   `json:"text,omitempty"`
	ToolUse     *ToolUse     `json:"tool_use,omitempty"`
	ToolResult  *ToolResult  `json:"tool_result,omitempty"`
	Subagent    *Subagent    `json:"subagent,omitempty"`
	Result      *Result      `json:"result,omitempty"`
	Error       *AgentError  `json:"error,omitempty"`
}

type SessionInit struct {
	SessionID string `json:"session_id"`
}

type TextEvent struct {
	Text      string `json:"text"`
	IsPartial bool   `json:"is_partial,omitempty"`
}

type ToolUse struct {
	ToolName  string `json:"tool_name"`
	ToolUseID string `json:"tool_use_id"`
	InputJSON string `json:"input_json"`
}

type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type Subagent struct {
	AgentName       string `json:"agent_name"`
	ParentToolUseID string `json:"parent_tool_use_id"`
	IsStart         bool   `json:"is_start"`
}

type Result struct {
	SessionID    string  `json:"session_id"`
	InputTokens  uint64  `json:"input_tokens"`
	OutputTokens uint64  `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	NumTurns     int32   `json:"num_turns,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	ResultText   string  `json:"result_text,omitempty"`
}

type AgentError struct {
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}
