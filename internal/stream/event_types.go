package stream

import "encoding/json"

// Event is one decoded message from the assistant stream. Type discriminates
// the payload; Data stays raw so unknown types pass through to callers
// untouched.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// Raw preserves the full payload line. Most event types nest their
	// payload under "data", but "complete" carries its fields at the top
	// level alongside "type", so consumers of that type decode Raw.
	Raw json.RawMessage `json:"-"`
}

// Known event types on the Pulse assistant wire.
const (
	TypeContent        = "content"
	TypeThinking       = "thinking"
	TypeToolStart      = "tool_start"
	TypeToolEnd        = "tool_end"
	TypeTool           = "tool"
	TypeSession        = "session"
	TypeApprovalNeeded = "approval_needed"
	TypeComplete       = "complete"
	TypeDone           = "done"
	TypeError          = "error"
)

// Terminal reports whether no further events may follow this one.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// ContentData is the payload of "content" events.
type ContentData struct {
	Text string `json:"text"`
}

// ThinkingData is the payload of "thinking" events (extended reasoning).
type ThinkingData struct {
	Text string `json:"text"`
}

// ToolStartData is the payload of "tool_start" events.
type ToolStartData struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"` // JSON string of input parameters
}

// ToolEndData is the payload of "tool_end" events.
type ToolEndData struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Input   string `json:"input,omitempty"`
	Output  string `json:"output,omitempty"`
	Success bool   `json:"success"`
}

// SessionData is the payload of "session" events.
type SessionData struct {
	ID string `json:"id"`
}

// ApprovalNeededData is the payload of "approval_needed" events, emitted when
// a tool call is paused until a human approves it.
type ApprovalNeededData struct {
	ApprovalID  string `json:"approval_id"`
	ToolID      string `json:"tool_id"`
	ToolName    string `json:"tool_name"`
	Command     string `json:"command"`
	RunOnHost   bool   `json:"run_on_host"`
	TargetHost  string `json:"target_host,omitempty"`
	Risk        string `json:"risk,omitempty"`
	Description string `json:"description,omitempty"`
}

// CompleteData arrives on "complete" events, sent once before "done" with the
// final usage numbers. Unlike the other payloads its fields sit at the top
// level of the payload line, so decode it from Event.Raw rather than Data.
type CompleteData struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ErrorData is the payload of "error" events.
type ErrorData struct {
	Message string `json:"message"`
}

// DoneData is the payload of "done" events.
type DoneData struct {
	SessionID    string `json:"session_id,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}
