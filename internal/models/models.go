package models

import "encoding/json"

// Roles understood by the gateway. Individual providers may accept a
// narrower vocabulary; adapters reinterpret roles on the way out.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// Message is a single conversational turn. Messages are never mutated;
// role mapping always produces a new slice.
type Message struct {
	Role    string `json:"role" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// Parameters carries the optional tuning knobs of a chat request.
type Parameters struct {
	Temperature        *float64        `json:"temperature,omitempty"`
	TopP               *float64        `json:"top_p,omitempty"`
	MaxTokens          int             `json:"max_tokens,omitempty"`
	Stream             bool            `json:"stream,omitempty"`
	Stop               []string        `json:"stop,omitempty"`
	Tools              json.RawMessage `json:"tools,omitempty"`
	ToolChoice         json.RawMessage `json:"tool_choice,omitempty"`
	ExpectedFormat     string          `json:"expected_format,omitempty"`
	ExpectedModalities []string        `json:"expected_modalities,omitempty"`
}

// ChatRequest is the inbound gateway payload. The wire format is flat
// OpenAI-style JSON; the optional fields are grouped as Parameters.
type ChatRequest struct {
	Model    string    `json:"model" validate:"required"`
	Messages []Message `json:"messages" validate:"required,min=1,dive"`
	Parameters
}

// ModelDescriptor identifies a callable model discovered from a provider.
// Names are unique within a provider but may collide across providers;
// lookups resolve collisions by registry declaration order.
type ModelDescriptor struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Type     string `json:"type,omitempty"`
}

// StandardResponse is the canonical chat completion shape. It is the only
// response shape that leaves the gateway regardless of provider.
type StandardResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion alternative within a StandardResponse.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage records token accounting when the provider reports it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ObjectChatCompletion is the canonical object tag on StandardResponse.
const ObjectChatCompletion = "chat.completion"

// RetrievedMemory is a prior-context fragment returned by the memory
// store's recall operation. Consumed immediately, never retained.
type RetrievedMemory struct {
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// LastUserMessage returns the most recent user turn, scanning from the end.
func LastUserMessage(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i], true
		}
	}
	return Message{}, false
}
